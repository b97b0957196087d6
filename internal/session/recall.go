package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lucydhq/lucyd/pkg/models"
)

// timestampEnvelope strips a leading "[...]" envelope that channels
// prepend to inbound user text.
var timestampEnvelope = regexp.MustCompile(`^\[[^\]]*\]\s*`)

// BuildRecall formats the tail of the contact's most recently archived
// conversation as a transcript, for re-seeding context after a session
// close. Returns "" when the contact has no archived sessions.
func (s *Store) BuildRecall(contact, agentName string, count int) string {
	session := s.latestArchived(contact)
	if session == nil {
		return ""
	}

	var lines []string
	for _, msg := range session.Messages {
		switch msg.Role {
		case models.RoleUser:
			if msg.SystemNote || msg.Content == "" {
				continue
			}
			text := timestampEnvelope.ReplaceAllString(msg.Content, "")
			lines = append(lines, fmt.Sprintf("**%s:** %s", contact, text))
		case models.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("**%s:** %s", agentName, msg.Content))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if count > 0 && len(lines) > count {
		lines = lines[len(lines)-count:]
	}

	return "Session recall (last conversation):\n\n" + strings.Join(lines, "\n")
}

// latestArchived finds the most recently modified archived snapshot
// belonging to the contact. Snapshots that predate the contact field
// are attributed by reading the session event from the first archived
// log chunk.
func (s *Store) latestArchived(contact string) *Session {
	dir := filepath.Join(s.dir, archiveDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var best *Session
	var bestMod int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".state.json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}

		owner := session.Contact
		if owner == "" {
			owner = s.archivedChunkContact(session.ID)
		}
		if owner != contact {
			continue
		}
		if best == nil || info.ModTime().UnixNano() > bestMod {
			best = &session
			bestMod = info.ModTime().UnixNano()
		}
	}
	return best
}

// archivedChunkContact reads the session event from the first archived
// log chunk for the given session ID.
func (s *Store) archivedChunkContact(id string) string {
	dir := filepath.Join(s.dir, archiveDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var chunks []string
	for _, entry := range entries {
		m := datedChunk.FindStringSubmatch(entry.Name())
		if m != nil && m[1] == id {
			chunks = append(chunks, filepath.Join(dir, entry.Name()))
		}
	}
	if len(chunks) == 0 {
		return ""
	}
	sort.Strings(chunks)

	f, err := os.Open(chunks[0])
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev auditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == eventSession {
			return ev.Contact
		}
	}
	return ""
}
