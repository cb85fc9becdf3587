// Package sessionlog persists redacted session transcripts as an encrypted
// append-only log. Each record is sealed independently with AES-GCM so a
// truncated tail never poisons earlier records.
package sessionlog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/termpilot/termpilot/internal/session"
)

var (
	// ErrLogWrite marks persistence failures. Callers treat these as
	// non-fatal for the session stream.
	ErrLogWrite = errors.New("session log write failed")
	// ErrBadKey reports a key AES cannot use.
	ErrBadKey = errors.New("log key must be 16, 24, or 32 bytes")
	// ErrCorrupt reports a record that fails authentication or framing.
	ErrCorrupt = errors.New("session log record corrupt")
)

// Kind labels one log record.
type Kind string

const (
	// KindOutput is one redacted line of terminal output.
	KindOutput Kind = "output"
	// KindCommand is a command sent to the remote shell.
	KindCommand Kind = "command"
	// KindGap marks a reconnection where output may be missing.
	KindGap Kind = "gap"
	// KindNote is operator or orchestrator annotation.
	KindNote Kind = "note"
)

// Record is the plaintext shape of one log entry.
type Record struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq,omitempty"`
	At        time.Time `json:"at"`
	Text      string    `json:"text"`
}

// NewKey returns a fresh 256-bit log key.
func NewKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate log key: %w", err)
	}
	return key, nil
}

// Writer appends sealed records to one log file. It implements
// session.Sink. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	gcm  cipher.AEAD
	path string
}

// Open creates or appends to the log at path.
func Open(path string, key []byte) (*Writer, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &Writer{file: file, gcm: gcm, path: path}, nil
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// RecordOutput appends one output event.
func (w *Writer) RecordOutput(event session.OutputEvent) error {
	kind := KindOutput
	if event.Gap {
		kind = KindGap
	}
	return w.append(Record{
		Kind:      kind,
		SessionID: event.SessionID,
		Seq:       event.Seq,
		At:        event.At,
		Text:      event.Line,
	})
}

// RecordGap appends a reconnection marker.
func (w *Writer) RecordGap(sessionID string, at time.Time, note string) error {
	return w.append(Record{Kind: KindGap, SessionID: sessionID, At: at, Text: note})
}

// RecordCommand appends a command sent to the remote shell.
func (w *Writer) RecordCommand(sessionID string, at time.Time, command string) error {
	return w.append(Record{Kind: KindCommand, SessionID: sessionID, At: at, Text: command})
}

// RecordNote appends an annotation.
func (w *Writer) RecordNote(sessionID string, at time.Time, note string) error {
	return w.append(Record{Kind: KindNote, SessionID: sessionID, At: at, Text: note})
}

// Close flushes and closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("close session log: %w", err)
	}
	return nil
}

// append seals and frames one record: uint32 length, then nonce, then
// ciphertext.
func (w *Writer) append(rec Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", ErrLogWrite, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("%w: log closed", ErrLogWrite)
	}

	nonce := make([]byte, w.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrLogWrite, err)
	}
	sealed := w.gcm.Seal(nil, nonce, plaintext, nil)

	frame := make([]byte, 4, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(nonce)+len(sealed)))
	frame = append(frame, nonce...)
	frame = append(frame, sealed...)
	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrLogWrite, err)
	}
	return nil
}

// Read decrypts every record in the log at path.
func Read(path string, key []byte) ([]Record, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	var records []Record
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("%w: truncated frame header", ErrCorrupt)
		}
		length := binary.BigEndian.Uint32(header)
		if length < uint32(gcm.NonceSize()) || length > 1<<20 {
			return records, fmt.Errorf("%w: frame length %d", ErrCorrupt, length)
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(file, frame); err != nil {
			return records, fmt.Errorf("%w: truncated frame body", ErrCorrupt)
		}
		nonce := frame[:gcm.NonceSize()]
		plaintext, err := gcm.Open(nil, nonce, frame[gcm.NonceSize():], nil)
		if err != nil {
			return records, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		var rec Record
		if err := json.Unmarshal(plaintext, &rec); err != nil {
			return records, fmt.Errorf("%w: decode record: %v", ErrCorrupt, err)
		}
		records = append(records, rec)
	}
}

// Export writes the decrypted log as JSON lines. Callers hold the key;
// this is the explicit plaintext path for operators and tests.
func Export(path string, key []byte, out io.Writer) error {
	records, err := Read(path, key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export record: %w", err)
		}
	}
	return nil
}

// Format selects the sealed export encoding.
type Format string

const (
	// FormatRaw is the log file's own framed bytes, unchanged.
	FormatRaw Format = "raw"
	// FormatJSONL is the decrypted transcript re-sealed as one blob of
	// JSON lines.
	FormatJSONL Format = "jsonl"
)

// ErrBadFormat reports an export format this package does not produce.
var ErrBadFormat = errors.New("unknown export format")

// ExportSealed writes the transcript as an encrypted blob. Raw copies the
// per-record framed file; jsonl decrypts, concatenates, and re-seals the
// whole transcript under the same key (nonce then ciphertext).
func ExportSealed(path string, key []byte, format Format, out io.Writer) error {
	switch format {
	case FormatRaw:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		defer file.Close()
		if _, err := io.Copy(out, file); err != nil {
			return fmt.Errorf("copy session log: %w", err)
		}
		return nil
	case FormatJSONL:
		records, err := Read(path, key)
		if err != nil {
			return err
		}
		var plain []byte
		for _, rec := range records {
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("export record: %w", err)
			}
			plain = append(plain, line...)
			plain = append(plain, '\n')
		}
		blob, err := seal(plain, key)
		if err != nil {
			return err
		}
		if _, err := out.Write(blob); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
}

// seal encrypts one blob as nonce then ciphertext.
func seal(plain, key []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// Unseal decrypts a blob produced by the jsonl sealed export.
func Unseal(blob, key []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: blob shorter than nonce", ErrCorrupt)
	}
	plain, err := gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
