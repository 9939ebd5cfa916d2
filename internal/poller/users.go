// SPDX-License-Identifier: MIT

package poller

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mjkirby/recwatch/internal/util"
)

// ReadUsers loads the users file: one username per line, blank lines and
// lines starting with "#" ignored (spec.md §4.4 item 1). Re-reading this
// file every cycle is what lets an operator edit it live.
func ReadUsers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("poller: open users file: %w", err)
	}
	defer f.Close()

	var users []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		users = append(users, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("poller: read users file: %w", err)
	}
	return users, nil
}

// AddUser appends username to the users file if not already present,
// rewriting the file atomically (spec.md §6 `users add`).
func AddUser(path, username string) error {
	sanitized, ok := util.SanitizeUsername(username)
	if !ok {
		return fmt.Errorf("poller: invalid username %q", username)
	}

	existing, err := readRawLines(path)
	if err != nil {
		return err
	}

	for _, u := range existing {
		if strings.TrimSpace(u) == sanitized {
			return nil // already present, no-op
		}
	}

	existing = append(existing, sanitized)
	return writeLines(path, existing)
}

// RemoveUser deletes every occurrence of username from the users file,
// preserving the order and comments of the remaining lines (spec.md §6
// `users remove`).
func RemoveUser(path, username string) error {
	existing, err := readRawLines(path)
	if err != nil {
		return err
	}

	var kept []string
	for _, line := range existing {
		if strings.TrimSpace(line) == username {
			continue
		}
		kept = append(kept, line)
	}
	return writeLines(path, kept)
}

func readRawLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: read users file: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return util.WriteFileAtomic(path, []byte(content), 0644)
}
