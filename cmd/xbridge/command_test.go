package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xbridge/channel"
	"xbridge/config"
	"xbridge/fileshare"
	"xbridge/handshake"
	"xbridge/permission"
	"xbridge/rpcerr"
	"xbridge/server"
	"xbridge/session"

	"github.com/stretchr/testify/suite"
)

const peerHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type CommandTestSuite struct {
	suite.Suite
	ctx   context.Context
	home  string
	addr  string
	share *fileshare.Service
	store *session.Store
	svr   *server.Server
}

func (suite *CommandTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.home = suite.T().TempDir()

	cfg, err := config.Load(suite.home)
	suite.Require().NoError(err)
	key, err := cfg.Identity()
	suite.Require().NoError(err)
	sealed, err := handshake.NewSealed(key, nil, cfg.Version)
	suite.Require().NoError(err)

	suite.store, err = session.Open(cfg.SessionDir(), session.Options{})
	suite.Require().NoError(err)
	suite.share, err = fileshare.NewService(cfg.ShareDir(), suite.store, nil)
	suite.Require().NoError(err)

	suite.svr = server.NewServer(server.Options{Channel: channel.Options{Handshake: sealed}})
	suite.Require().NoError(suite.svr.Register(fileshare.ServiceName, fileshare.NewSrFileShare(suite.share)))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	suite.Require().NoError(err)
	suite.addr = listener.Addr().String()
	go suite.svr.ServeListener(listener) // nolint: errcheck
}

func (suite *CommandTestSuite) TearDownTest() {
	suite.NoError(suite.svr.Shutdown(time.Second))
}

// run executes the CLI against the test server and returns its output.
func (suite *CommandTestSuite) run(stdin string, args ...string) (string, error) {
	rc := newRootCommandeer()
	var out bytes.Buffer
	rc.cmd.SetOut(&out)
	rc.cmd.SetIn(strings.NewReader(stdin))
	rc.cmd.SetArgs(append([]string{"--home", suite.home, "--addr", suite.addr, "--log-level", "error"}, args...))
	err := rc.Execute()
	return out.String(), err
}

func (suite *CommandTestSuite) sharePath(name string) string {
	return filepath.Join(suite.home, "share", name)
}

func (suite *CommandTestSuite) TestSendListGet() {
	local := filepath.Join(suite.T().TempDir(), "song.txt")
	suite.Require().NoError(os.WriteFile(local, []byte("la la la"), 0644))

	out, err := suite.run("", "send", local, "music/song.txt")
	suite.Require().NoError(err)
	suite.Contains(out, "Sent")

	// sendFile is one-way
	suite.Eventually(func() bool {
		_, err := os.Stat(suite.sharePath("music/song.txt"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	out, err = suite.run("", "ls")
	suite.Require().NoError(err)
	suite.Contains(out, "music/song.txt")
	suite.Contains(out, "8 B")

	dest := filepath.Join(suite.T().TempDir(), "copy.txt")
	_, err = suite.run("", "get", "music/song.txt", dest)
	suite.Require().NoError(err)
	got, err := os.ReadFile(dest)
	suite.Require().NoError(err)
	suite.Equal("la la la", string(got))

	sessions, err := suite.store.List()
	suite.Require().NoError(err)
	suite.Empty(sessions)
}

func (suite *CommandTestSuite) TestGetMissingFile() {
	_, err := suite.run("", "get", "missing.txt", filepath.Join(suite.T().TempDir(), "x"))
	suite.Error(err)
}

func (suite *CommandTestSuite) TestResume() {
	suite.Require().NoError(os.WriteFile(suite.sharePath("notes.txt"), []byte("resumed"), 0644))
	offer, err := suite.share.RequestFile(suite.ctx, "notes.txt")
	suite.Require().NoError(err)

	dest := filepath.Join(suite.T().TempDir(), "notes.txt")
	_, err = suite.run("", "resume", offer.SessionId, dest, "--kind", fileshare.KindConfirm)
	suite.Require().NoError(err)
	got, err := os.ReadFile(dest)
	suite.Require().NoError(err)
	suite.Equal("resumed", string(got))

	// the session is complete
	_, err = suite.run("", "resume", offer.SessionId, dest)
	suite.ErrorIs(err, rpcerr.ErrUnknownSession)
}

func (suite *CommandTestSuite) TestInterruptedDownloadHint() {
	suite.Require().NoError(os.WriteFile(suite.sharePath("draft.txt"), []byte("draft"), 0644))
	offer, err := suite.share.RequestFile(suite.ctx, "draft.txt")
	suite.Require().NoError(err)
	suite.Require().NoError(os.Rename(suite.sharePath("draft.txt"), suite.sharePath("draft.bak")))

	dest := filepath.Join(suite.T().TempDir(), "draft.txt")
	hint := "xbridge resume --kind confirm " + offer.SessionId + " " + dest
	_, err = suite.run("", "resume", offer.SessionId, dest, "--kind", fileshare.KindConfirm)
	suite.Require().Error(err)
	suite.Contains(err.Error(), hint)

	// the hinted command picks the session up where it stopped
	suite.Require().NoError(os.Rename(suite.sharePath("draft.bak"), suite.sharePath("draft.txt")))
	_, err = suite.run("", strings.Fields(hint)[1:]...)
	suite.Require().NoError(err)
	got, err := os.ReadFile(dest)
	suite.Require().NoError(err)
	suite.Equal("draft", string(got))
}

func (suite *CommandTestSuite) TestRemove() {
	suite.Require().NoError(os.WriteFile(suite.sharePath("old.txt"), []byte("old"), 0644))

	out, err := suite.run("n\n", "rm", "old.txt")
	suite.Require().NoError(err)
	suite.Contains(out, "Delete old.txt")
	suite.FileExists(suite.sharePath("old.txt"))

	sessions, err := suite.store.List()
	suite.Require().NoError(err)
	suite.Empty(sessions)

	out, err = suite.run("", "rm", "--yes", "old.txt")
	suite.Require().NoError(err)
	suite.Contains(out, "Deleted old.txt")
	suite.NoFileExists(suite.sharePath("old.txt"))
}

func (suite *CommandTestSuite) TestAbort() {
	suite.Require().NoError(os.WriteFile(suite.sharePath("keep.txt"), []byte("keep"), 0644))
	offer, err := suite.share.DeleteFile(suite.ctx, "keep.txt")
	suite.Require().NoError(err)

	_, err = suite.run("", "abort", offer.SessionId)
	suite.Require().NoError(err)

	_, err = suite.store.Get(offer.SessionId)
	suite.ErrorIs(err, rpcerr.ErrUnknownSession)
	suite.FileExists(suite.sharePath("keep.txt"))
}

func (suite *CommandTestSuite) TestID() {
	cfg, err := config.Load(suite.home)
	suite.Require().NoError(err)
	key, err := cfg.Identity()
	suite.Require().NoError(err)

	out, err := suite.run("", "id")
	suite.Require().NoError(err)
	suite.Contains(out, handshake.HashKey(key.Public().(ed25519.PublicKey)))
}

func (suite *CommandTestSuite) TestTrust() {
	out, err := suite.run("", "trust", peerHash, "--name", "laptop", "--allow", "FileShare.listFiles", "--deny", "FileShare.*")
	suite.Require().NoError(err)
	suite.Contains(out, "Trusted")

	path := filepath.Join(suite.home, "permissions.yaml")
	list, err := permission.Load(path)
	suite.Require().NoError(err)
	entry, ok := list.Lookup(peerHash)
	suite.Require().True(ok)
	suite.Equal("laptop", entry.Name)
	suite.True(entry.Connect)
	suite.Equal(map[string]bool{"FileShare.listFiles": true, "FileShare.*": false}, entry.Always)
	suite.False(list.Enforced())

	_, err = suite.run("", "trust", "--enforce")
	suite.Require().NoError(err)

	out, err = suite.run("", "trust")
	suite.Require().NoError(err)
	suite.Contains(out, "enforced")
	suite.Contains(out, "laptop")
	suite.Contains(out, "+FileShare.listFiles -FileShare.*")

	_, err = suite.run("", "trust", "--revoke", peerHash)
	suite.Require().NoError(err)
	list, err = permission.Load(path)
	suite.Require().NoError(err)
	suite.Empty(list.Entries())
	suite.True(list.Enforced())

	_, err = suite.run("", "trust", "not-a-hash")
	suite.Error(err)
	_, err = suite.run("", "trust", "--name", "nobody")
	suite.Error(err)
}

func (suite *CommandTestSuite) TestHumanSize() {
	for n, want := range map[int64]string{
		0:        "0 B",
		1023:     "1023 B",
		1024:     "1.0 KiB",
		1536:     "1.5 KiB",
		10 << 20: "10.0 MiB",
	} {
		suite.Equal(want, humanSize(n))
	}
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
