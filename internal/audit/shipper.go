// shipper.go routes audit entries to destinations beyond the record store.
// The trail in the store is the registry's own copy; operators typically also
// want entries pushed somewhere they already watch — a Discord webhook for the
// issuing team, or an append-only file for retention. Shippers are additive
// and independent: a failing webhook never blocks the store write or the file.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/license-registry/license-registry/internal/store"
)

// Shipper delivers an audit entry to an external destination.
type Shipper interface {
	Ship(ctx context.Context, entry *store.AuditEntry) error
	Close() error
}

// WebhookShipper POSTs each entry as a JSON object to a configured URL.
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper creates a webhook shipper. timeout defaults to 10s.
func NewWebhookShipper(url string, headers map[string]string, timeout time.Duration) *WebhookShipper {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ship sends the entry. Non-2xx responses are reported as errors so the
// caller can log them; the entry is not retried.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *store.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending audit webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Shipper; the webhook shipper holds no resources.
func (ws *WebhookShipper) Close() error { return nil }

// FileShipper appends entries as JSON lines to a log file, rotating by size.
type FileShipper struct {
	path       string
	maxSizeMB  int
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (creating if needed) the audit log file. maxSizeMB of
// zero disables rotation.
func NewFileShipper(path string, maxSizeMB, maxBackups int) (*FileShipper, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &FileShipper{
		path:       path,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		file:       file,
	}, nil
}

// Ship appends the entry as one JSON line.
func (fs *FileShipper) Ship(ctx context.Context, entry *store.AuditEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size() > int64(fs.maxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				return fmt.Errorf("rotating audit log: %w", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// rotate shifts path → path.1 → path.2 ... keeping maxBackups files. Caller
// holds the mutex.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
	}
	_ = os.Rename(fs.path, fs.path+".1")
	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups+1))
	}

	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the underlying file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
