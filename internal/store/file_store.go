package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileStore keeps one directory per recipient identity and one record file
// per buffered message. Records are named with a monotonic sequence prefix so
// lexical ordering equals enqueue ordering, including across restarts.
type FileStore struct {
	dir    string
	sealer *sealer

	mu   sync.Mutex
	seqs map[string]uint64
}

var ErrCorruptRecord = errors.New("corrupt message record")

// NewFileStore opens (creating if needed) a store rooted at dir. A non-empty
// passphrase seals every record with XChaCha20-Poly1305 under an Argon2id
// derived key; the salt lives alongside the records.
func NewFileStore(dir string, passphrase string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	fs := &FileStore{
		dir:  dir,
		seqs: make(map[string]uint64),
	}
	if passphrase != "" {
		s, err := newSealer(dir, passphrase)
		if err != nil {
			return nil, err
		}
		fs.sealer = s
	}
	return fs, nil
}

// Dir returns the store root (primarily for logging and tests).
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Save appends one record for the recipient. The write is atomic: the record
// is staged in a temp file and renamed into place.
func (fs *FileStore) Save(recipient string, msg Message) error {
	if recipient == "" {
		return errors.New("recipient is required")
	}
	queueDir := filepath.Join(fs.dir, identityToken(recipient))
	if err := os.MkdirAll(queueDir, 0o700); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if fs.sealer != nil {
		data, err = fs.sealer.seal(data)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
	}

	fs.mu.Lock()
	seq, err := fs.nextSeqLocked(recipient, queueDir)
	fs.mu.Unlock()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%020d-%s.json", seq, uuid.NewString())
	tmp := filepath.Join(queueDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(queueDir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// Load reads the recipient's queue in FIFO order. A record that fails to
// decode (truncated write, tampered seal) is skipped, not fatal.
func (fs *FileStore) Load(recipient string) ([]Message, error) {
	queueDir := filepath.Join(fs.dir, identityToken(recipient))
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Message, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(queueDir, name))
		if err != nil {
			continue
		}
		if fs.sealer != nil {
			data, err = fs.sealer.open(data)
			if err != nil {
				continue
			}
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Clear removes the recipient's entire queue.
func (fs *FileStore) Clear(recipient string) error {
	fs.mu.Lock()
	delete(fs.seqs, recipient)
	fs.mu.Unlock()

	queueDir := filepath.Join(fs.dir, identityToken(recipient))
	if err := os.RemoveAll(queueDir); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// nextSeqLocked hands out the next sequence number for a recipient, seeding
// from the highest prefix already on disk so restarts keep appending after
// the existing records.
func (fs *FileStore) nextSeqLocked(recipient, queueDir string) (uint64, error) {
	if seq, ok := fs.seqs[recipient]; ok {
		fs.seqs[recipient] = seq + 1
		return seq + 1, nil
	}

	var max uint64
	entries, err := os.ReadDir(queueDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("scan queue dir: %w", err)
	}
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	fs.seqs[recipient] = max + 1
	return max + 1, nil
}
