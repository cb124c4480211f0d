// Package fileshare is the file share service served by `xbridge serve`.
//
// Downloads and deletions are two-step exchanges kept in the session store,
// so they survive a dropped connection or a server restart:
//
//	requestFile(name) → Offer{expect: confirm}
//	resume(id, confirm) → first part, expect next
//	resume(id, next)    → following parts ... done
//
//	deleteFile(name) → Offer{expect: confirm}
//	resume(id, confirm) → done
//
// abort(id) drops a pending exchange.
//
//go:generate xbgen -o fileshare.xb.go fileshare.xb
package fileshare

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"xbridge/channel"
	"xbridge/rpcerr"
	"xbridge/session"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServiceName is the name the service is registered and announced under.
const ServiceName = "fileshare"

// Exchange kinds and the message kinds they expect.
const (
	ExchangeGet    = "get"
	ExchangeDelete = "delete"

	KindConfirm = "confirm"
	KindNext    = "next"
)

// DefaultPartSize is the size of a download part.
const DefaultPartSize = 64 << 10

// getState is the persisted progress of a download.
type getState struct {
	Name   string `msgpack:"name"`
	Size   int64  `msgpack:"size"`
	Offset int64  `msgpack:"offset"`
}

type deleteState struct {
	Name string `msgpack:"name"`
}

// Service implements FileShare over a directory.
type Service struct {
	root     string
	store    *session.Store
	logger   *zap.Logger
	partSize int
}

// NewService shares root, creating it if needed, and registers its exchanges
// on store.
func NewService(root string, store *session.Store, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to resolve share root")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "Failed to create share root")
	}
	s := &Service{
		root:     root,
		store:    store,
		logger:   logger.Named("fileshare"),
		partSize: DefaultPartSize,
	}
	store.Handle(ExchangeGet, s.stepGet)
	store.Handle(ExchangeDelete, s.stepDelete)
	return s, nil
}

// SetPartSize changes the download part size.
func (s *Service) SetPartSize(n int) {
	if n > 0 {
		s.partSize = n
	}
}

// resolve maps a share-relative name to a path under the root.
func (s *Service) resolve(name string) (string, error) {
	clean := filepath.FromSlash(name)
	if name == "" || !filepath.IsLocal(clean) {
		return "", errors.Wrapf(rpcerr.ErrBadArguments, "invalid file name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Service) stat(name string) (string, os.FileInfo, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil, errors.Errorf("no file named %q", name)
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "Failed to stat %s", name)
	}
	if !info.Mode().IsRegular() {
		return "", nil, errors.Errorf("%q is not a regular file", name)
	}
	return path, info, nil
}

func (s *Service) ListFiles(ctx context.Context) (*FileList, error) {
	list := &FileList{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || isPartial(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		list.Files = append(list.Files, &FileInfo{
			Name:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list files")
	}
	sort.Slice(list.Files, func(i, j int) bool {
		return list.Files[i].Name < list.Files[j].Name
	})
	return list, nil
}

// SendFile stores an upload. The file appears under its name only once the
// stream has ended cleanly.
func (s *Service) SendFile(ctx context.Context, name string, data *channel.Stream) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "Failed to create directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*"+partialExt)
	if err != nil {
		return errors.Wrap(err, "Failed to create file")
	}
	n, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "Failed to receive %s", name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "Failed to store %s", name)
	}
	s.logger.Info("Received file", zap.String("name", name), zap.Int64("size", n))
	return nil
}

func (s *Service) RequestFile(ctx context.Context, name string) (*Offer, error) {
	_, info, err := s.stat(name)
	if err != nil {
		return nil, err
	}
	id := session.NewID()
	state := getState{Name: name, Size: info.Size()}
	if err := s.store.Suspend(id, ExchangeGet, state, KindConfirm); err != nil {
		return nil, err
	}
	return &Offer{SessionId: id, Name: name, Size: info.Size(), Expect: KindConfirm}, nil
}

func (s *Service) DeleteFile(ctx context.Context, name string) (*Offer, error) {
	_, info, err := s.stat(name)
	if err != nil {
		return nil, err
	}
	id := session.NewID()
	if err := s.store.Suspend(id, ExchangeDelete, deleteState{Name: name}, KindConfirm); err != nil {
		return nil, err
	}
	return &Offer{SessionId: id, Name: name, Size: info.Size(), Expect: KindConfirm}, nil
}

func (s *Service) Resume(ctx context.Context, sessionID string, kind string) (*ResumeReply, error) {
	outcome, err := s.store.Resume(ctx, sessionID, session.Message{Kind: kind})
	if err != nil {
		return nil, err
	}
	reply, ok := outcome.Reply.(*ResumeReply)
	if !ok {
		return nil, errors.Errorf("session %s does not belong to the file share", sessionID)
	}
	reply.Expect = outcome.Next
	reply.Done = outcome.Next == ""
	return reply, nil
}

func (s *Service) Abort(ctx context.Context, sessionID string) error {
	return s.store.Expire(sessionID)
}

// stepGet sends the next part of a download.
func (s *Service) stepGet(ctx context.Context, sess *session.Session, msg session.Message) (*session.Outcome, error) {
	var state getState
	if err := sess.Decode(&state); err != nil {
		return nil, err
	}
	path, err := s.resolve(state.Name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open %s", state.Name)
	}
	defer f.Close()

	buf := make([]byte, s.partSize)
	n, err := f.ReadAt(buf, state.Offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "Failed to read %s", state.Name)
	}
	state.Offset += int64(n)
	reply := &ResumeReply{Data: buf[:n]}
	if err == io.EOF || state.Offset >= state.Size {
		s.logger.Debug("Download complete", zap.String("name", state.Name), zap.String("session", sess.ID))
		return &session.Outcome{Reply: reply}, nil
	}
	return &session.Outcome{Next: KindNext, State: state, Reply: reply}, nil
}

func (s *Service) stepDelete(ctx context.Context, sess *session.Session, msg session.Message) (*session.Outcome, error) {
	var state deleteState
	if err := sess.Decode(&state); err != nil {
		return nil, err
	}
	path, err := s.resolve(state.Name)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "Failed to delete %s", state.Name)
	}
	s.logger.Info("Deleted file", zap.String("name", state.Name))
	return &session.Outcome{Reply: &ResumeReply{}}, nil
}

const partialExt = ".partial"

func isPartial(name string) bool {
	return filepath.Ext(name) == partialExt
}
