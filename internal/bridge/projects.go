// internal/bridge/projects.go
package bridge

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ProjectInfo describes one project directory under the CLI's projects root.
type ProjectInfo struct {
	EncodedName       string
	RealPath          string
	DisplayName       string
	ConversationCount int
	LastActivity      time.Time
}

// ConversationInfo is metadata for one recorded CLI conversation.
type ConversationInfo struct {
	SessionID    string
	FirstMessage string
	Timestamp    time.Time
	MessageCount int
	GitBranch    string
	Cwd          string
}

const firstMessagePreviewLen = 120

// ListProjects scans the projects directory and returns projects sorted by
// most recent activity. Directories without session files are skipped.
func (m *Manager) ListProjects() ([]*ProjectInfo, error) {
	entries, err := os.ReadDir(m.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var projects []*ProjectInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.projectsDir, e.Name())
		files := sessionFiles(dir)
		if len(files) == 0 {
			continue
		}

		newest := files[0]
		realPath := peekCwd(filepath.Join(dir, newest.name))
		displayName := e.Name()
		if realPath != "" {
			displayName = realPath[strings.LastIndex(realPath, "/")+1:]
		} else {
			realPath = e.Name()
		}

		projects = append(projects, &ProjectInfo{
			EncodedName:       e.Name(),
			RealPath:          realPath,
			DisplayName:       displayName,
			ConversationCount: len(files),
			LastActivity:      newest.mtime,
		})
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastActivity.After(projects[j].LastActivity)
	})
	return projects, nil
}

// ListConversations parses the session files of one project and returns
// conversation metadata sorted newest first.
func (m *Manager) ListConversations(projectEncoded string) ([]*ConversationInfo, error) {
	dir := filepath.Join(m.projectsDir, projectEncoded)
	files := sessionFiles(dir)

	var conversations []*ConversationInfo
	for _, f := range files {
		if info := parseConversation(filepath.Join(dir, f.name)); info != nil {
			conversations = append(conversations, info)
		}
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].Timestamp.After(conversations[j].Timestamp)
	})
	return conversations, nil
}

type sessionFile struct {
	name  string
	mtime time.Time
}

// sessionFiles lists *.jsonl files in dir sorted by modification time,
// newest first.
func sessionFiles(dir string) []sessionFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []sessionFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, sessionFile{name: e.Name(), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.After(files[j].mtime)
	})
	return files
}

// peekCwd returns the first cwd recorded in a session file.
func peekCwd(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var data struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}
		if data.Cwd != "" {
			return data.Cwd
		}
	}
	return ""
}

// parseConversation extracts metadata from one session file.
func parseConversation(path string) *ConversationInfo {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info := &ConversationInfo{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}

		if info.Cwd == "" {
			info.Cwd, _ = data["cwd"].(string)
		}
		if info.GitBranch == "" {
			info.GitBranch, _ = data["gitBranch"].(string)
		}
		if info.Timestamp.IsZero() {
			info.Timestamp = parseRecordTimestamp(data["timestamp"])
		}

		role := ""
		if msg, ok := data["message"].(map[string]any); ok {
			role, _ = msg["role"].(string)
		}
		if data["type"] == "user" || role == "user" {
			info.MessageCount++
			if info.FirstMessage == "" {
				info.FirstMessage = firstMessageText(data)
			}
		}
	}

	if info.Timestamp.IsZero() {
		if stat, err := os.Stat(path); err == nil {
			info.Timestamp = stat.ModTime().UTC()
		} else {
			info.Timestamp = time.Now().UTC()
		}
	}
	if info.FirstMessage == "" {
		info.FirstMessage = "(no preview)"
	}
	return info
}

func parseRecordTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
	case float64:
		// Millisecond epoch.
		return time.UnixMilli(int64(ts)).UTC()
	}
	return time.Time{}
}

func firstMessageText(data map[string]any) string {
	msg, ok := data["message"].(map[string]any)
	if !ok {
		return ""
	}

	var text string
	switch content := msg["content"].(type) {
	case string:
		text = content
	case []any:
		var parts []string
		for _, item := range content {
			if block, ok := item.(map[string]any); ok && block["type"] == "text" {
				if t, ok := block["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		text = strings.Join(parts, " ")
	}

	text = strings.TrimSpace(text)
	if len(text) > firstMessagePreviewLen {
		text = text[:firstMessagePreviewLen]
	}
	return text
}
