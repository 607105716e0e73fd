package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

var (
	ErrUploadInProgress = errors.New("upload already in progress")
	ErrNoActiveUpload   = errors.New("no active upload")
)

// UploadState is a user's position in the upload state machine
type UploadState uint8

const (
	UploadIdle UploadState = iota
	UploadUploading
)

func (s UploadState) String() string {
	switch s {
	case UploadIdle:
		return "idle"
	case UploadUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// UploadSession tracks one user's in-progress upload
type UploadSession struct {
	ID       uuid.UUID
	FileName string
	Bytes    int64
	Chunks   int
	Started  time.Time
	sink     UploadSink
}

// TransferManager runs the per-user upload state machine:
// Idle -> file_start -> Uploading -> file_end -> Idle.
// It is owned by the event loop and is not safe for concurrent use.
type TransferManager struct {
	store    UploadStore
	sessions map[string]*UploadSession // nickname -> session
	metrics  *Metrics
}

// NewTransferManager creates a manager storing uploads in store
func NewTransferManager(store UploadStore) *TransferManager {
	return &TransferManager{
		store:    store,
		sessions: make(map[string]*UploadSession),
	}
}

// SetMetrics attaches metrics to the transfer manager
func (m *TransferManager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// State returns the upload state for a nickname
func (m *TransferManager) State(nickname string) UploadState {
	if _, ok := m.sessions[nickname]; ok {
		return UploadUploading
	}
	return UploadIdle
}

// Session returns the active upload for a nickname
func (m *TransferManager) Session(nickname string) (*UploadSession, bool) {
	sess, ok := m.sessions[nickname]
	return sess, ok
}

// Start opens an upload for nickname. An existing session is never replaced:
// a second start fails with ErrUploadInProgress and leaves it untouched.
func (m *TransferManager) Start(nickname, fileName string) (*UploadSession, error) {
	if _, ok := m.sessions[nickname]; ok {
		return nil, ErrUploadInProgress
	}

	name, err := SanitizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	sink, err := m.store.Create(name)
	if err != nil {
		return nil, err
	}

	sess := &UploadSession{
		ID:       uuid.New(),
		FileName: name,
		Started:  time.Now(),
		sink:     sink,
	}
	m.sessions[nickname] = sess
	return sess, nil
}

// Append writes a chunk to nickname's open upload, in arrival order
func (m *TransferManager) Append(nickname string, chunk []byte) error {
	sess, ok := m.sessions[nickname]
	if !ok {
		return ErrNoActiveUpload
	}

	if _, err := sess.sink.Write(chunk); err != nil {
		m.Abort(nickname)
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	sess.Bytes += int64(len(chunk))
	sess.Chunks++
	return nil
}

// Finish closes nickname's upload and publishes the file. The user is Idle
// afterwards whether or not publishing succeeded.
func (m *TransferManager) Finish(nickname string) (*UploadSession, string, error) {
	sess, ok := m.sessions[nickname]
	if !ok {
		return nil, "", ErrNoActiveUpload
	}
	delete(m.sessions, nickname)

	path, err := sess.sink.Commit()
	if err != nil {
		return sess, "", err
	}

	if m.metrics != nil {
		m.metrics.RecordUploadCompleted(sess.Bytes)
	}
	return sess, path, nil
}

// Abort discards nickname's upload, if any
func (m *TransferManager) Abort(nickname string) {
	sess, ok := m.sessions[nickname]
	if !ok {
		return
	}
	delete(m.sessions, nickname)

	if err := sess.sink.Abort(); err != nil {
		debugLog.Printf("Upload %s: abort cleanup failed: %v", sess.ID, err)
	}
}

// Active returns the number of uploads in progress
func (m *TransferManager) Active() int {
	return len(m.sessions)
}

// fileSender streams one stored file to one peer. The file is opened when
// the sender is spawned, so a later upload under the same name cannot change
// what this peer receives. It holds only the recipient's connection and
// never looks at server state, so it can run beside the event loop.
type fileSender struct {
	id        uuid.UUID
	conn      *SafeConn
	src       io.ReadCloser
	name      string
	chunkSize int
	delay     time.Duration
}

// run sends file_start, paced file_chunk frames and file_end, then closes src
func (f *fileSender) run() error {
	defer f.src.Close()

	if err := f.conn.WriteEnvelope(protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderFileStart, f.name), nil)); err != nil {
		return err
	}

	chunkHeader := protocol.BuildHeader(protocol.HeaderFileChunk, f.name)
	buf := make([]byte, f.chunkSize)
	for {
		n, readErr := f.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := f.conn.WriteEnvelope(protocol.NewEnvelope(chunkHeader, chunk)); err != nil {
				return err
			}
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read %s: %w", f.name, readErr)
		}
	}

	return f.conn.WriteEnvelope(protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderFileEnd, f.name), nil))
}
