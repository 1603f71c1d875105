package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends one JSON event per line to an audit log file. Writes
// are serialized behind a mutex; queries re-read the file so they see every
// event written so far, including those from earlier sessions.
type FileLogger struct {
	filePath string
	userID   string
	file     *os.File
	mu       sync.Mutex
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

func NewFileLogger(config *Config) (*FileLogger, error) {
	var opts FileOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, err
	}
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file audit logger requires a file_path option")
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileLogger{filePath: opts.FilePath, userID: config.UserID, file: file}, nil
}

func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		UserID:    fl.userID,
		Metadata:  metadata,
	}
	if metadata != nil {
		if c, ok := metadata["collection"].(string); ok {
			event.Collection = c
		}
		if e, ok := metadata["error"].(string); ok {
			event.Error = e
		}
	}
	return fl.writeEvent(event)
}

func (fl *FileLogger) writeEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if _, err = fl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	f, err := os.Open(fl.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return QueryResult{Events: []Event{}}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var result QueryResult
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if json.Unmarshal(scanner.Bytes(), &event) != nil {
			continue // skip torn or foreign lines
		}
		result.TotalCount++
		if !matchesFilter(event, options) {
			continue
		}
		if options.Limit > 0 && len(result.Events) >= options.Limit {
			result.HasMore = true
			continue
		}
		result.Events = append(result.Events, event)
	}
	if err = scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit log: %w", err)
	}
	if result.Events == nil {
		result.Events = []Event{}
	}
	return result, nil
}

func matchesFilter(event Event, options QueryOptions) bool {
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	return true
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

func generateEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// parseOptions converts map[string]interface{} to a specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return nil
}
