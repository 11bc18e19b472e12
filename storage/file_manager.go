package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	log "github.com/sirupsen/logrus"
)

const sessionStateFileName = "session_state.json"

// SessionState is what a client needs to resume edge events after a restart
// without registering and resolving again.
type SessionState struct {
	SessionCookie string                      `json:"session_cookie"`
	Cloudlet      *protocol.FindCloudletReply `json:"cloudlet,omitempty"`
	Mode          protocol.FindCloudletMode   `json:"mode"`
	LastLocation  *protocol.Loc               `json:"last_location,omitempty"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

type FileManager struct {
	dataDir          string
	sessionStateFile string

	lock             sync.RWMutex
	sessionState     *SessionState
	sessionStateHash string
}

func NewFileManager(dataDir string) (*FileManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	fm := &FileManager{
		dataDir:          dataDir,
		sessionStateFile: filepath.Join(dataDir, sessionStateFileName),
	}
	fm.loadFiles()
	fm.calculateHashes()
	return fm, nil
}

func (fm *FileManager) loadFiles() {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	data, err := os.ReadFile(fm.sessionStateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warningf("[FileManager] read failed, file:%s, err:%v", fm.sessionStateFile, err)
		}
		return
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warningf("[FileManager] unmarshal failed, file:%s, err:%v", fm.sessionStateFile, err)
		return
	}
	fm.sessionState = &state
	log.Infof("[FileManager] loaded, file:%s", fm.sessionStateFile)
}

// SaveSessionState writes state and refreshes its hash.
func (fm *FileManager) SaveSessionState(state *SessionState) error {
	if state == nil {
		return fmt.Errorf("nil session state")
	}
	fm.lock.Lock()
	defer fm.lock.Unlock()

	cp := *state
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	// write then rename so a crash never leaves a torn file
	tmp := fm.sessionStateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, fm.sessionStateFile); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	fm.sessionState = &cp
	fm.calculateHashesLocked()
	return nil
}

func (fm *FileManager) GetSessionState() *SessionState {
	fm.lock.RLock()
	defer fm.lock.RUnlock()
	if fm.sessionState == nil {
		return nil
	}
	cp := *fm.sessionState
	return &cp
}

// GetSessionStateHash is the md5 of the file on disk, empty when there is
// none.
func (fm *FileManager) GetSessionStateHash() string {
	fm.lock.RLock()
	defer fm.lock.RUnlock()
	return fm.sessionStateHash
}

func (fm *FileManager) IsInitialized() bool {
	fm.lock.RLock()
	defer fm.lock.RUnlock()
	return fm.sessionState != nil && fm.sessionStateHash != ""
}

func calculateFileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (fm *FileManager) calculateHashes() {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.calculateHashesLocked()
}

func (fm *FileManager) calculateHashesLocked() {
	hash, err := calculateFileMD5(fm.sessionStateFile)
	if err != nil {
		log.Warningf("[FileManager] session state hash failed, err:%v", err)
		return
	}
	fm.sessionStateHash = hash
	log.Debugf("[FileManager] hash updated, sessionStateHash:%s", hash)
}
