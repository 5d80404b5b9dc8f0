package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/slackhq/ringhost/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// connPair returns both ends of a TCP loopback connection. net.Pipe does not
// work here, both sides of the handshake write at the same time.
func connPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		assert.NoError(t, err)
		dialed <- c
	}()

	server, err = ln.Accept()
	require.NoError(t, err)
	client = <-dialed
	require.NotNil(t, client)

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func newSigner(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return signer, pem.EncodeToMemory(block)
}

// newServer returns a server with a fresh host key and a client key that is
// authorized for "ops" when authorize is set.
func newServer(t *testing.T, authorize bool) (*SSHServer, ssh.Signer) {
	t.Helper()

	s, err := NewSSHServer(test.NewLogger().WithField("subsystem", "sshd"))
	require.NoError(t, err)

	_, hostKey := newSigner(t)
	require.NoError(t, s.SetHostKey(hostKey))

	client, _ := newSigner(t)
	if authorize {
		require.NoError(t, s.AddAuthorizedKey("ops", string(ssh.MarshalAuthorizedKey(client.PublicKey()))))
	}
	return s, client
}

func clientConfig(signer ssh.Signer) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test only
		Timeout:         5 * time.Second,
	}
}

func TestHandshakeWithTimeout(t *testing.T) {
	tests := []struct {
		name      string
		authorize bool
		dial      bool
		timeout   time.Duration
		fail      bool
		timedOut  bool
	}{
		{name: "authorized", authorize: true, dial: true, timeout: 5 * time.Second},
		{name: "unknown key", dial: true, timeout: 5 * time.Second, fail: true},
		{name: "idle client", authorize: true, timeout: time.Millisecond, fail: true, timedOut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, signer := newServer(t, tt.authorize)
			serverConn, clientConn := connPair(t)

			clientDone := make(chan struct{})
			go func() {
				defer close(clientDone)
				if !tt.dial {
					return
				}
				c, chans, reqs, err := ssh.NewClientConn(clientConn, "", clientConfig(signer))
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				go func() {
					for range chans {
					}
				}()
				c.Close()
			}()
			t.Cleanup(func() { <-clientDone })

			conn, chans, reqs, err := s.handshakeWithTimeout(serverConn, tt.timeout)
			if tt.fail {
				require.Error(t, err)
				if tt.timedOut {
					assert.EqualError(t, err, "handshake timeout")
				} else {
					assert.NotEqual(t, "handshake timeout", err.Error())
				}
				assert.Nil(t, conn)
				assert.Nil(t, chans)
				assert.Nil(t, reqs)

				// The server side is closed on failure.
				_, writeErr := serverConn.Write([]byte("probe"))
				assert.Error(t, writeErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "ops", conn.Permissions.Extensions["user"])
			assert.NotEmpty(t, conn.Permissions.Extensions["fp"])
			conn.Close()
		})
	}
}

func TestSSHServer_Exec(t *testing.T) {
	s, signer := newServer(t, true)
	s.RegisterCommand(&Command{
		Name:             "echo",
		ShortDescription: "Writes its arguments back",
		Callback: func(_ any, args []string, w StringWriter) error {
			return w.WriteLine(strings.Join(args, " "))
		},
	})

	serverConn, clientConn := connPair(t)
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.handleConn(serverConn)
	}()

	c, chans, reqs, err := ssh.NewClientConn(clientConn, "", clientConfig(signer))
	require.NoError(t, err)
	client := ssh.NewClient(c, chans, reqs)

	run := func(cmd string) string {
		session, err := client.NewSession()
		require.NoError(t, err)
		defer session.Close()
		out, err := session.Output(cmd)
		require.NoError(t, err)
		return string(out)
	}

	assert.Equal(t, "ringhost queue 0\n", run(`echo ringhost "queue 0"`))
	assert.Contains(t, run("nope"), "did not understand: nope")
	assert.Contains(t, run("help echo"), "Writes its arguments back")

	require.NoError(t, client.Close())
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not return after the client left")
	}

	s.connsLock.Lock()
	assert.Empty(t, s.conns)
	s.connsLock.Unlock()
}
