package fileshare

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xbridge/channel"
	"xbridge/handshake"
	"xbridge/peer"
	"xbridge/rpcerr"
	"xbridge/session"
	"xbridge/transport"

	"github.com/stretchr/testify/suite"
)

type FileShareTestSuite struct {
	suite.Suite
	ctx    context.Context
	root   string
	state  string
	remote *PrFileShare
	chans  []*channel.Channel
}

func (suite *FileShareTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.root = suite.T().TempDir()
	suite.state = suite.T().TempDir()
	suite.chans = nil
	suite.remote = suite.connect()
}

func (suite *FileShareTestSuite) TearDownTest() {
	for _, ch := range suite.chans {
		ch.Close()
	}
}

// connect serves a fresh Service over a fresh channel pair, as after a
// server restart.
func (suite *FileShareTestSuite) connect() *PrFileShare {
	store, err := session.Open(suite.state, session.Options{TTL: time.Hour})
	suite.Require().NoError(err)
	svc, err := NewService(suite.root, store, nil)
	suite.Require().NoError(err)
	svc.SetPartSize(4)

	services := peer.NewRegistry()
	suite.Require().NoError(services.RegisterService(ServiceName, NewSrFileShare(svc)))

	a, b := transport.Pipe()
	server := channel.New(b, channel.Options{Role: handshake.Responder, Root: peer.NewService(services, nil)})
	started := make(chan error, 1)
	go func() {
		started <- server.Start(suite.ctx)
	}()
	client, err := channel.Open(suite.ctx, a, channel.Options{})
	suite.Require().NoError(err)
	suite.Require().NoError(<-started)
	suite.chans = append(suite.chans, client, server)

	remote, err := peer.Lookup(suite.ctx, client, ServiceName, NewPrFileShare)
	suite.Require().NoError(err)
	return remote
}

func (suite *FileShareTestSuite) write(name, content string) {
	path := filepath.Join(suite.root, filepath.FromSlash(name))
	suite.Require().NoError(os.MkdirAll(filepath.Dir(path), 0755))
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0644))
}

func (suite *FileShareTestSuite) TestListFiles() {
	suite.write("b.txt", "bee")
	suite.write("a.txt", "a")
	suite.write("docs/c.txt", "see you")

	list, err := suite.remote.ListFiles(suite.ctx)
	suite.Require().NoError(err)
	var names []string
	for _, f := range list.Files {
		names = append(names, f.Name)
	}
	suite.Equal([]string{"a.txt", "b.txt", "docs/c.txt"}, names)
	suite.Equal(int64(7), list.Files[2].Size)
	suite.NotZero(list.Files[0].Modified)
}

func (suite *FileShareTestSuite) TestSendFile() {
	content := strings.Repeat("xbridge ", 1000)
	suite.Require().NoError(suite.remote.SendFile(suite.ctx, "up/load.txt", channel.NewStream(strings.NewReader(content))))

	// one-way: the file shows up once the upload is stored
	suite.Eventually(func() bool {
		got, err := os.ReadFile(filepath.Join(suite.root, "up", "load.txt"))
		return err == nil && string(got) == content
	}, time.Second, 10*time.Millisecond)

	list, err := suite.remote.ListFiles(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(list.Files, 1)
}

func (suite *FileShareTestSuite) TestDownloadInParts() {
	suite.write("song.txt", "0123456789")

	offer, err := suite.remote.RequestFile(suite.ctx, "song.txt")
	suite.Require().NoError(err)
	suite.Equal(int64(10), offer.Size)
	suite.Equal(KindConfirm, offer.Expect)

	var got bytes.Buffer
	kind := offer.Expect
	var parts []string
	for kind != "" {
		reply, err := suite.remote.Resume(suite.ctx, offer.SessionId, kind)
		suite.Require().NoError(err)
		got.Write(reply.Data)
		parts = append(parts, string(reply.Data))
		suite.Equal(reply.Expect == "", reply.Done)
		kind = reply.Expect
	}
	suite.Equal([]string{"0123", "4567", "89"}, parts)
	suite.Equal("0123456789", got.String())

	_, err = suite.remote.Resume(suite.ctx, offer.SessionId, KindNext)
	suite.ErrorIs(err, rpcerr.ErrUnknownSession)
}

func (suite *FileShareTestSuite) TestWrongKindKeepsSession() {
	suite.write("a.txt", "abcdef")
	offer, err := suite.remote.RequestFile(suite.ctx, "a.txt")
	suite.Require().NoError(err)

	_, err = suite.remote.Resume(suite.ctx, offer.SessionId, KindNext)
	suite.ErrorIs(err, rpcerr.ErrUnexpectedMessageKind)

	reply, err := suite.remote.Resume(suite.ctx, offer.SessionId, KindConfirm)
	suite.Require().NoError(err)
	suite.Equal("abcd", string(reply.Data))
	suite.Equal(KindNext, reply.Expect)
}

func (suite *FileShareTestSuite) TestResumeAfterRestart() {
	suite.write("a.txt", "abcdef")
	offer, err := suite.remote.RequestFile(suite.ctx, "a.txt")
	suite.Require().NoError(err)
	_, err = suite.remote.Resume(suite.ctx, offer.SessionId, KindConfirm)
	suite.Require().NoError(err)

	// the connection drops and the server restarts
	for _, ch := range suite.chans {
		ch.Close()
	}
	remote := suite.connect()

	reply, err := remote.Resume(suite.ctx, offer.SessionId, KindNext)
	suite.Require().NoError(err)
	suite.Equal("ef", string(reply.Data))
	suite.True(reply.Done)
}

func (suite *FileShareTestSuite) TestDeleteNeedsConfirm() {
	suite.write("old.txt", "bye")
	offer, err := suite.remote.DeleteFile(suite.ctx, "old.txt")
	suite.Require().NoError(err)
	suite.FileExists(filepath.Join(suite.root, "old.txt"))

	reply, err := suite.remote.Resume(suite.ctx, offer.SessionId, KindConfirm)
	suite.Require().NoError(err)
	suite.True(reply.Done)
	suite.NoFileExists(filepath.Join(suite.root, "old.txt"))
}

func (suite *FileShareTestSuite) TestAbort() {
	suite.write("keep.txt", "keep")
	offer, err := suite.remote.DeleteFile(suite.ctx, "keep.txt")
	suite.Require().NoError(err)

	suite.Require().NoError(suite.remote.Abort(suite.ctx, offer.SessionId))
	_, err = suite.remote.Resume(suite.ctx, offer.SessionId, KindConfirm)
	suite.ErrorIs(err, rpcerr.ErrUnknownSession)
	suite.FileExists(filepath.Join(suite.root, "keep.txt"))

	suite.ErrorIs(suite.remote.Abort(suite.ctx, offer.SessionId), rpcerr.ErrUnknownSession)
}

func (suite *FileShareTestSuite) TestPathsStayInRoot() {
	for _, name := range []string{"", "../secret", "/etc/passwd", "a/../../b"} {
		_, err := suite.remote.RequestFile(suite.ctx, name)
		suite.ErrorIs(err, rpcerr.ErrBadArguments, name)
	}
	_, err := suite.remote.RequestFile(suite.ctx, "missing.txt")
	suite.Error(err)
	suite.Equal(channel.StateReady, suite.chans[0].State())
}

func TestFileShareTestSuite(t *testing.T) {
	suite.Run(t, new(FileShareTestSuite))
}
