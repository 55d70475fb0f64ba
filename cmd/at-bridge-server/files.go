package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/emile-cronje/at-bridge/internal/atbridge"
	"github.com/emile-cronje/at-bridge/internal/atmsg"
)

// upload tracks one in-progress Files transfer between its Header and End
// steps, grounded on handle_files in
// original_source/src/uart_tcp_server.py: a file is opened on Header,
// appended to on each Content chunk, and verified against HashData on End.
type upload struct {
	f   *os.File
	buf []byte
}

// FileHandler implements the server side of the Files sub-protocol
// (spec.md §3/§6): Header opens backups/copy-<filename>, Content appends
// base64-decoded chunks (logging ProgressPercentage/FileBlockSequenceNumber
// per spec_full.md's supplemented behaviour), and End verifies the
// checksum and records success/failure in the bridge's event log.
type FileHandler struct {
	dir    string
	log    *slog.Logger
	events *atbridge.EventLog

	mu       sync.Mutex
	uploads  map[string]*upload
}

// NewFileHandler constructs a FileHandler writing under dir.
func NewFileHandler(dir string, events *atbridge.EventLog, log *slog.Logger) *FileHandler {
	return &FileHandler{dir: dir, log: log, events: events, uploads: make(map[string]*upload)}
}

// Handle dispatches msg by its Files sub-step. Errors are logged and
// recorded in the event log; they are not surfaced to the caller, matching
// spec.md §7's "application handlers surface user-visible failures by
// appending a descriptive line" policy.
func (h *FileHandler) Handle(msg atmsg.Message) {
	switch msg.Step {
	case atmsg.FileStepHeader:
		h.onHeader(msg)
	case atmsg.FileStepContent:
		h.onContent(msg)
	case atmsg.FileStepEnd:
		h.onEnd(msg)
	default:
		h.log.Warn("files_unknown_step", "step", msg.Step, "file", msg.FileName)
	}
}

func (h *FileHandler) onHeader(msg atmsg.Message) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		h.fail(msg.FileName, fmt.Errorf("mkdir backups: %w", err))
		return
	}
	path := filepath.Join(h.dir, "copy-"+filepath.Base(msg.FileName))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		h.fail(msg.FileName, fmt.Errorf("open %s: %w", path, err))
		return
	}
	h.mu.Lock()
	h.uploads[msg.FileName] = &upload{f: f}
	h.mu.Unlock()
	h.log.Info("files_header", "file", msg.FileName)
}

func (h *FileHandler) onContent(msg atmsg.Message) {
	h.mu.Lock()
	up, ok := h.uploads[msg.FileName]
	h.mu.Unlock()
	if !ok {
		h.fail(msg.FileName, fmt.Errorf("content chunk %d before header", msg.FileBlockSequenceNumber))
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(msg.FileData)
	if err != nil {
		h.fail(msg.FileName, fmt.Errorf("decode chunk %d: %w", msg.FileBlockSequenceNumber, err))
		return
	}
	if _, err := up.f.Write(chunk); err != nil {
		h.fail(msg.FileName, fmt.Errorf("write chunk %d: %w", msg.FileBlockSequenceNumber, err))
		return
	}
	up.buf = append(up.buf, chunk...)
	h.log.Debug("files_content",
		"file", msg.FileName,
		"seq", msg.FileBlockSequenceNumber,
		"progress_pct", msg.ProgressPercentage,
	)
}

func (h *FileHandler) onEnd(msg atmsg.Message) {
	h.mu.Lock()
	up, ok := h.uploads[msg.FileName]
	delete(h.uploads, msg.FileName)
	h.mu.Unlock()
	if !ok {
		h.fail(msg.FileName, fmt.Errorf("end with no open upload"))
		return
	}
	defer up.f.Close()

	match, err := atmsg.VerifyBase64(up.buf, msg.HashData)
	if err != nil {
		h.fail(msg.FileName, fmt.Errorf("verify checksum: %w", err))
		return
	}
	if !match {
		h.fail(msg.FileName, fmt.Errorf("checksum mismatch (%d bytes received)", len(up.buf)))
		return
	}
	h.events.Append(fmt.Sprintf("files upload ok file=%s bytes=%d", msg.FileName, len(up.buf)))
	h.log.Info("files_end_ok", "file", msg.FileName, "bytes", len(up.buf))
}

func (h *FileHandler) fail(fileName string, err error) {
	h.events.Append(fmt.Sprintf("files upload failed file=%s err=%v", fileName, err))
	h.log.Error("files_failed", "file", fileName, "err", err)
}
