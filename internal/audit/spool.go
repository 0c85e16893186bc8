package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const spoolFile = "audit_spool.jsonl"

var ErrSpoolFull = errors.New("audit spool full")

// Spool is an append-only JSONL file of events waiting to be written.
type Spool struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
}

func NewSpool(dir string, maxBytes int64) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Spool) path() string {
	return filepath.Join(s.dir, spoolFile)
}

// Append rejects events once the spool file reaches its size cap.
func (s *Spool) Append(evt Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path()); err == nil && s.maxBytes > 0 && info.Size()+int64(len(line))+1 > s.maxBytes {
		return ErrSpoolFull
	}
	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// take moves the current spool aside so new failures append to a fresh file.
func (s *Spool) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path())
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	replay := filepath.Join(s.dir, fmt.Sprintf("replay_%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(s.path(), replay); err != nil {
		return "", err
	}
	return replay, nil
}

// Replay writes spooled events back through s. Events that fail again are
// re-spooled by Write. It returns how many events were flushed.
func (s *Service) Replay(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	replay, err := s.spool.take()
	if err != nil || replay == "" {
		return 0, err
	}
	defer os.Remove(replay)

	f, err := os.Open(replay)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var flushed int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			s.log.Warn("dropping corrupt spooled audit event", zap.Error(err))
			continue
		}
		if err := s.insert(ctx, evt); err != nil {
			if spoolErr := s.spool.Append(evt); spoolErr != nil {
				s.log.Error("audit event lost during replay", zap.String("event_id", evt.EventID.String()), zap.Error(spoolErr))
			}
			continue
		}
		flushed++
	}
	if flushed > 0 {
		s.log.Info("audit spool replayed", zap.Int("flushed", flushed))
	}
	return flushed, scanner.Err()
}

// StartReplayer replays the spool every interval until ctx ends.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if s.spool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Replay(ctx); err != nil {
					s.log.Warn("audit replay failed", zap.Error(err))
				}
			}
		}
	}()
}
