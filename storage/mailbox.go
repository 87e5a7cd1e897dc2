// Package storage provides Maildir storage for messages accepted by the stub server.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"smtpmailer/logging"
)

const (
	// MailboxDirPermissions holds the permissions used for the mailbox directory
	MailboxDirPermissions = 0750
	// MaildirFilePermissions holds the permissions used for maildir message files
	MaildirFilePermissions = 0600
)

var messageCounter atomic.Int64

// ErrNotFound is returned when a message file does not exist in new/ or cur/.
var ErrNotFound = errors.New("message not found")

// ErrInvalidPath is returned for names that would resolve outside the mailbox.
var ErrInvalidPath = errors.New("invalid file path")

// Mailbox represents a mailbox for storing messages in Maildir format.
type Mailbox struct {
	Directory string
	fs        afero.Fs
	hostname  string
	logger    logging.Logger
}

// Message is an envelope plus the raw DATA payload.
type Message struct {
	From    string
	To      []string
	Payload string
}

// Entry describes a stored message file.
type Entry struct {
	Name     string    `json:"name"`
	Folder   string    `json:"folder"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// NewMailbox creates a new mailbox at the specified directory of fs using Maildir format.
// Maildir format uses three subdirectories: new/, cur/, and tmp/
func NewMailbox(fs afero.Fs, directory string, logger logging.Logger) (*Mailbox, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	if err := fs.MkdirAll(directory, MailboxDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}

	for _, subdir := range []string{"new", "cur", "tmp"} {
		path := filepath.Join(directory, subdir)
		if err := fs.MkdirAll(path, MailboxDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create maildir subdirectory %s: %w", subdir, err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "smtpmailer.test"
	}

	return &Mailbox{
		Directory: directory,
		fs:        fs,
		hostname:  strings.NewReplacer("/", "_", ":", "_").Replace(hostname),
		logger:    logger.With(logging.F("component", "mailbox")),
	}, nil
}

// SaveMessage saves a message using Maildir delivery and returns the file name in new/.
// Messages are written to tmp/ first, then moved to new/
func (m *Mailbox) SaveMessage(msg *Message) (string, error) {
	now := time.Now()
	tmpDir := filepath.Join(m.Directory, "tmp")

	tmpFile, err := afero.TempFile(m.fs, tmpDir, "msg-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp message file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := validatePathWithinDir(m.Directory, tmpPath); err != nil {
		_ = tmpFile.Close()
		m.removeQuietly(tmpPath)
		return "", err
	}

	writeErr := writeMessage(tmpFile, msg, m.hostname, now)
	if closeErr := tmpFile.Close(); closeErr != nil {
		writeErr = errors.Join(writeErr, closeErr)
	}
	if writeErr != nil {
		m.removeQuietly(tmpPath)
		return "", fmt.Errorf("failed to write message: %w", writeErr)
	}

	if err := m.fs.Chmod(tmpPath, MaildirFilePermissions); err != nil {
		m.logger.Warn("Failed to chmod temp file", logging.F("path", tmpPath), logging.F("err", err.Error()))
	}

	filename := generateMailFilename(now, &messageCounter, m.hostname)
	newPath := filepath.Join(m.Directory, "new", filename)
	if err := m.fs.Rename(tmpPath, newPath); err != nil {
		m.removeQuietly(tmpPath)
		return "", fmt.Errorf("failed to deliver message to new/: %w", err)
	}

	m.logger.Info("Message saved", logging.F("path", newPath), logging.F("rcpt_count", len(msg.To)))
	return filename, nil
}

func (m *Mailbox) removeQuietly(path string) {
	if err := m.fs.Remove(path); err != nil {
		m.logger.Error("Failed to remove temp file", fmt.Errorf("%s: %w", path, err))
	}
}

// generateMailFilename generates a maildir-compliant filename
func generateMailFilename(now time.Time, counter *atomic.Int64, hostname string) string {
	c := counter.Add(1)
	unique := fmt.Sprintf("M%d_%d_%s", now.UnixMicro(), c, uuid.NewString()[:8])
	return fmt.Sprintf("%d.%s.%s", now.Unix(), unique, hostname)
}

// validatePathWithinDir ensures the targetPath is inside baseDir
func validatePathWithinDir(baseDir, targetPath string) error {
	cleanTarget := filepath.Clean(targetPath)
	cleanBase := filepath.Clean(baseDir)
	relPath, err := filepath.Rel(cleanBase, cleanTarget)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
	}
	return nil
}

func writeMessage(file afero.File, msg *Message, hostname string, now time.Time) error {
	var b strings.Builder
	b.WriteString("Return-Path: <" + msg.From + ">\r\n")
	if len(msg.To) > 0 {
		b.WriteString("X-Original-To: " + strings.Join(msg.To, ", ") + "\r\n")
	}
	b.WriteString("Received: by " + hostname + "; " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString(msg.Payload)

	_, err := file.WriteString(b.String())
	return err
}

// ListMessages lists all messages in the mailbox (from both new/ and cur/ directories),
// oldest first.
func (m *Mailbox) ListMessages() ([]Entry, error) {
	var entries []Entry

	for _, subdir := range []string{"new", "cur"} {
		infos, err := afero.ReadDir(m.fs, filepath.Join(m.Directory, subdir))
		if err != nil {
			return nil, fmt.Errorf("failed to list messages in %s: %w", subdir, err)
		}
		for _, info := range infos {
			if info.IsDir() {
				continue
			}
			entries = append(entries, Entry{
				Name:     info.Name(),
				Folder:   subdir,
				Size:     info.Size(),
				Modified: info.ModTime(),
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadMessage returns the stored content of a message.
// Filename should be just the basename, not a full path.
func (m *Mailbox) ReadMessage(filename string) ([]byte, error) {
	path, err := m.locate(filename)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(m.fs, path)
}

// DeleteMessage deletes a message from the mailbox.
// Filename should be just the basename, not a full path.
func (m *Mailbox) DeleteMessage(filename string) error {
	path, err := m.locate(filename)
	if err != nil {
		return err
	}
	if err := m.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	m.logger.Info("Message deleted", logging.F("path", path))
	return nil
}

func (m *Mailbox) locate(filename string) (string, error) {
	for _, subdir := range []string{"new", "cur"} {
		dir := filepath.Join(m.Directory, subdir)
		fullPath := filepath.Join(dir, filename)

		if err := validatePathWithinDir(dir, fullPath); err != nil || filepath.Base(fullPath) != filename {
			m.logger.Warn("Path traversal attempt detected", logging.F("filename", filename))
			return "", fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
		}

		if ok, err := afero.Exists(m.fs, fullPath); err != nil {
			return "", err
		} else if ok {
			return fullPath, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, filename)
}

// Clear removes all messages from the mailbox (from both new/ and cur/).
func (m *Mailbox) Clear() error {
	entries, err := m.ListMessages()
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if err := m.fs.Remove(filepath.Join(m.Directory, e.Folder, e.Name)); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("Cleared messages from mailbox", logging.F("count", len(entries)-len(errs)))
	return errors.Join(errs...)
}
