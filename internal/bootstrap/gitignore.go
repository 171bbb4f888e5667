package bootstrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ralphGitignoreEntries are the entries ralph adds to .gitignore. The
// config file stays tracked; everything the daemon writes does not.
var ralphGitignoreEntries = []string{
	"# ralph",
	".ralph/worktrees/",
	".ralph/sessions/",
	".ralph/state.db",
	".ralph/state.db-journal",
	".ralph/state.db-wal",
	".ralph/state.db-shm",
}

// UpdateGitignore adds ralph entries to .gitignore if not already present.
func UpdateGitignore(workDir string) error {
	gitignorePath := filepath.Join(workDir, ".gitignore")

	// Read existing content
	existing := make(map[string]bool)
	if file, err := os.Open(gitignorePath); err == nil {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			existing[strings.TrimSpace(scanner.Text())] = true
		}
		if err := scanner.Err(); err != nil {
			file.Close()
			return fmt.Errorf("read .gitignore: %w", err)
		}
		file.Close()
	}

	var toAdd []string
	for _, entry := range ralphGitignoreEntries {
		if !existing[entry] {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	file, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open .gitignore: %w", err)
	}
	defer file.Close()

	// Add blank line before our entries if file isn't empty
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat .gitignore: %w", err)
	}
	if info.Size() > 0 {
		if _, err := file.WriteString("\n"); err != nil {
			return fmt.Errorf("write to .gitignore: %w", err)
		}
	}

	for _, entry := range toAdd {
		if _, err := file.WriteString(entry + "\n"); err != nil {
			return fmt.Errorf("write to .gitignore: %w", err)
		}
	}

	return nil
}
