package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// AppLogger provides extended diagnostics: request/response dumps, WebSocket
// frames, database snapshots and debug lines. Every sink is off by default.
type AppLogger struct {
	config         LogConfig
	db             *sqlx.DB
	requestLog     *os.File
	dbLog          *os.File
	wsLog          *os.File
	mu             sync.Mutex
	requestCount   int
	wsMessageCount int
}

// Global application logger (used by server)
var appLogger *AppLogger

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir   string `json:"log_output_dir" env:"LOG_OUTPUT_DIR"`
	LogRequests bool   `json:"log_requests" env:"LOG_REQUESTS"`
	LogDB       bool   `json:"log_db" env:"LOG_DB"`
	LogWS       bool   `json:"log_ws" env:"LOG_WS"`
	Debug       bool   `json:"log_debug" env:"LOG_DEBUG"`
}

// NewAppLogger creates a new application logger
func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{config: config}
	if config.OutputDir == "" {
		return al, nil // No file logging, debug lines only
	}
	if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	open := func(enabled bool, name string) (*os.File, error) {
		if !enabled {
			return nil, nil
		}
		f, err := os.OpenFile(filepath.Join(config.OutputDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		return f, nil
	}

	var err error
	if al.requestLog, err = open(config.LogRequests, "requests.log"); err != nil {
		return nil, err
	}
	if al.dbLog, err = open(config.LogDB, "database.log"); err != nil {
		al.Close()
		return nil, err
	}
	if al.wsLog, err = open(config.LogWS, "websocket.log"); err != nil {
		al.Close()
		return nil, err
	}
	return al, nil
}

// InitAppLogger initializes the global application logger
func InitAppLogger(config LogConfig, db *sqlx.DB) error {
	al, err := NewAppLogger(config)
	if err != nil {
		return err
	}
	al.db = db
	appLogger = al
	return nil
}

// Close closes all open log files
func (al *AppLogger) Close() {
	for _, f := range []*os.File{al.requestLog, al.dbLog, al.wsLog} {
		if f != nil {
			f.Close()
		}
	}
}

// LogRequest logs an HTTP request and response
func (al *AppLogger) LogRequest(method, url string, reqBody []byte, status int, respBody []byte) {
	if al.requestLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.requestCount++
	timestamp := time.Now().Format("15:04:05.000")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== REQUEST #%d [%s] ==========\n", al.requestCount, timestamp)
	fmt.Fprintf(&buf, "%s %s\n", method, url)
	if len(reqBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Request Body ---\n")
		buf.Write(reqBody)
		buf.WriteString("\n")
	}
	if status != 0 {
		fmt.Fprintf(&buf, "\n--- Response [%d %s] ---\n", status, http.StatusText(status))
	}
	if len(respBody) > 0 {
		if len(respBody) > 5000 {
			buf.Write(respBody[:5000])
			fmt.Fprintf(&buf, "\n... (truncated, %d bytes total)\n", len(respBody))
		} else {
			buf.Write(respBody)
		}
		buf.WriteString("\n")
	}

	al.requestLog.Write(buf.Bytes())
}

// LogWebSocket logs a WebSocket message
func (al *AppLogger) LogWebSocket(direction, roomCode, message string) {
	if al.wsLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.wsMessageCount++
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(al.wsLog, "[%s] #%d %s [Room %s]: %s\n", timestamp, al.wsMessageCount, direction, roomCode, message)
}

// LogDB dumps the current database state
func (al *AppLogger) LogDB(context string) {
	if al.dbLog == nil || al.db == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== DATABASE DUMP [%s] ==========\n", time.Now().Format("15:04:05.000"))
	fmt.Fprintf(&buf, "Context: %s\n\n", context)

	var tables []string
	err := al.db.Select(&tables, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		fmt.Fprintf(&buf, "Error getting tables: %v\n", err)
		al.dbLog.Write(buf.Bytes())
		return
	}

	for _, table := range tables {
		fmt.Fprintf(&buf, "--- Table: %s ---\n", table)

		rows, err := al.db.Queryx("SELECT * FROM " + table)
		if err != nil {
			fmt.Fprintf(&buf, "Error: %v\n\n", err)
			continue
		}

		dumpRows(&buf, rows)
		buf.WriteString("\n")
	}

	al.dbLog.Write(buf.Bytes())
}

// rowSource is the part of *sqlx.Rows a table dump reads
type rowSource interface {
	Next() bool
	SliceScan() ([]any, error)
	Err() error
	Close() error
}

// dumpRows writes one line per row, then any iteration error
func dumpRows(buf *bytes.Buffer, rows rowSource) {
	defer rows.Close()

	rowCount := 0
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			fmt.Fprintf(buf, "Error scanning row: %v\n", err)
			continue
		}
		rowCount++

		var rowStr []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				rowStr = append(rowStr, "NULL")
			case []byte:
				rowStr = append(rowStr, string(val))
			default:
				rowStr = append(rowStr, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintf(buf, "Row %d: %s\n", rowCount, strings.Join(rowStr, " | "))
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(buf, "Error reading rows after %d: %v\n", rowCount, err)
		return
	}

	if rowCount == 0 {
		fmt.Fprintf(buf, "(empty)\n")
	}
}

// Debug logs a debug message if debug mode is enabled
func (al *AppLogger) Debug(format string, args ...any) {
	if !al.config.Debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// ============================================================================
// HTTP Middleware
// ============================================================================

// LoggingHandler wraps http.Handler to log requests/responses
// Note: WebSocket requests (/ws/) are passed through without recording
// because they require http.Hijacker which ResponseRecorder doesn't support
type LoggingHandler struct {
	Handler http.Handler
	Logger  *AppLogger
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/ws/") {
		l.Logger.LogRequest(r.Method, r.URL.String(), nil, 0, []byte("[WebSocket upgrade]"))
		l.Handler.ServeHTTP(w, r)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(reqBody))
	}

	rec := httptest.NewRecorder()
	l.Handler.ServeHTTP(rec, r)

	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	respBody := rec.Body.Bytes()
	w.Write(respBody)

	l.Logger.LogRequest(r.Method, r.URL.String(), reqBody, rec.Code, respBody)
}

// ============================================================================
// Global helper functions
// ============================================================================

// LogWSMessage logs a WebSocket message using the global logger
func LogWSMessage(direction, roomCode, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, roomCode, message)
	}
}

// LogDBState logs the database state using the global logger
func LogDBState(context string) {
	if appLogger != nil {
		appLogger.LogDB(context)
	}
}

// DebugLog logs a debug line tagged with the calling operation
func DebugLog(context, format string, args ...any) {
	if appLogger != nil {
		appLogger.Debug(context+": "+format, args...)
	}
}

// CloseAppLogger closes the global application logger
func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}
