// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and a *tls.Conn from Client.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	t.Run("Name", func(t *testing.T) {
		assert.Equal(t, "stdlib", engine.Name())
	})

	t.Run("Parrot", func(t *testing.T) {
		assert.Equal(t, "", engine.Parrot())
	})

	t.Run("Client", func(t *testing.T) {
		mockConn := &netstub.FuncConn{
			// Don't initialize what we don't use
		}

		tlsConn := engine.Client(mockConn, &tls.Config{})

		require.NotNil(t, tlsConn)
		_, ok := tlsConn.(*tls.Conn)
		assert.True(t, ok)
	})
}

// newTLSSession defaults the server name to the host without mutating the
// caller's configuration.
func TestNewTLSSession(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		session := newTLSSession("example.com", nil)
		require.NotNil(t, session.Config)
		assert.Equal(t, "example.com", session.Config.ServerName)
		assert.False(t, session.Established)
	})

	t.Run("explicit server name wins", func(t *testing.T) {
		config := &tls.Config{ServerName: "captive.portal"}
		session := newTLSSession("10.0.0.1", config)
		assert.Equal(t, "captive.portal", session.Config.ServerName)
	})

	t.Run("config is cloned", func(t *testing.T) {
		config := &tls.Config{}
		session := newTLSSession("example.com", config)
		assert.Equal(t, "", config.ServerName)
		assert.NotSame(t, config, session.Config)
	})
}

// NewTLSHandshakeFunc populates all fields from Config and the provided arguments.
func TestNewTLSHandshakeFunc(t *testing.T) {
	cfg := NewConfig()
	tlsConfig := &tls.Config{ServerName: "example.com"}

	fn := NewTLSHandshakeFunc(cfg, tlsConfig, "span-5", DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, tlsConfig, fn.Config)
	assert.Equal(t, "span-5", fn.SpanID)
	assert.NotNil(t, fn.Engine)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

func newHandshakingConn(state tls.ConnectionState, err error) *tlsstub.FuncTLSConn {
	conn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return state
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return err
		},
	}
	conn.FuncConn.CloseFunc = func() error { return nil }
	return conn
}

// Call returns the TLSConn on successful handshake.
func TestTLSHandshakeFuncSuccess(t *testing.T) {
	wantState := tls.ConnectionState{
		Version:            tls.VersionTLS13,
		CipherSuite:        tls.TLS_AES_128_GCM_SHA256,
		NegotiatedProtocol: "http/1.1",
	}

	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, NewSpanID(), DefaultSLogger())
	fn.Engine = newMockTLSEngine(newHandshakingConn(wantState, nil))

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, wantState, result.ConnectionState())
}

// Call closes the TLS connection and returns nil on handshake failure.
func TestTLSHandshakeFuncError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"generic", errors.New("handshake failed")},
		{"hostname", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "wrong.host"}},
		{"unknown authority", x509.UnknownAuthorityError{Cert: &x509.Certificate{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closeCalled := false
			mockTLSConn := newHandshakingConn(tls.ConnectionState{}, tt.err)
			mockTLSConn.FuncConn.CloseFunc = func() error {
				closeCalled = true
				return nil
			}

			fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{}, NewSpanID(), DefaultSLogger())
			fn.Engine = newMockTLSEngine(mockTLSConn)

			result, err := fn.Call(context.Background(), newMinimalConn())

			require.ErrorIs(t, err, tt.err)
			assert.Nil(t, result)
			assert.True(t, closeCalled, "connection should be closed on error")
		})
	}
}

// Call propagates the caller's context deadline to HandshakeContext.
func TestTLSHandshakeFuncCallerTimeout(t *testing.T) {
	callerTimeout := 5 * time.Second

	mockTLSConn := newHandshakingConn(tls.ConnectionState{}, nil)
	mockTLSConn.HandshakeContextFunc = func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "context should have deadline from caller")
		assert.True(t, time.Until(deadline) <= callerTimeout)
		return nil
	}

	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{}, NewSpanID(), DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	ctx, cancel := context.WithTimeout(context.Background(), callerTimeout)
	defer cancel()

	_, err := fn.Call(ctx, newMinimalConn())
	require.NoError(t, err)
}

// Call emits tlsHandshakeStart/tlsHandshakeDone log events with the peer
// certificate count.
func TestTLSHandshakeFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()

	state := tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Raw: []byte("cert1")}, {Raw: []byte("cert2")}},
	}
	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, NewSpanID(), logger)
	fn.Engine = newMockTLSEngine(newHandshakingConn(state, nil))

	_, err := fn.Call(context.Background(), newMinimalConn())
	require.NoError(t, err)

	require.Equal(t, []string{"tlsHandshakeStart", "tlsHandshakeDone"}, recordMessages(*records))

	var count int64 = -1
	(*records)[1].Attrs(func(attr slog.Attr) bool {
		if attr.Key == "tlsPeerCertsCount" {
			count = attr.Value.Int64()
			return false
		}
		return true
	})
	assert.Equal(t, int64(2), count)
}

// Call sets the time function on the cloned *tls.Config.
func TestTLSHandshakeFuncSetsTimeOnConfig(t *testing.T) {
	cfg := NewConfig()
	fixedTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg.TimeNow = func() time.Time {
		return fixedTime
	}

	tlsConfig := &tls.Config{ServerName: "example.com"}

	var capturedConfig *tls.Config
	mockEngine := &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(conn net.Conn, config *tls.Config) TLSConn {
			capturedConfig = config
			return newHandshakingConn(tls.ConnectionState{}, nil)
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}

	fn := NewTLSHandshakeFunc(cfg, tlsConfig, NewSpanID(), DefaultSLogger())
	fn.Engine = mockEngine

	_, _ = fn.Call(context.Background(), newMinimalConn())

	require.NotNil(t, capturedConfig)
	require.NotNil(t, capturedConfig.Time)
	assert.Equal(t, fixedTime, capturedConfig.Time())
	assert.Nil(t, tlsConfig.Time, "caller config must not be mutated")
}
