package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "defaults",
			cfg:  Config{port: 8080},
		},
		{
			name:    "port too low",
			cfg:     Config{port: 0},
			wantErr: "invalid port",
		},
		{
			name:    "port too high",
			cfg:     Config{port: 65536},
			wantErr: "invalid port",
		},
		{
			name:    "tls cert without key",
			cfg:     Config{port: 8080, tlsCert: "cert.pem"},
			wantErr: "--tls-cert and --tls-key",
		},
		{
			name:    "tls key without cert",
			cfg:     Config{port: 8080, tlsKey: "key.pem"},
			wantErr: "--tls-cert and --tls-key",
		},
		{
			name: "tls pair",
			cfg:  Config{port: 8080, tlsCert: "cert.pem", tlsKey: "key.pem"},
		},
		{
			name:    "record key without url",
			cfg:     Config{port: 8080, recordKey: "secret"},
			wantErr: "--record-key requires --record-url",
		},
		{
			name: "record url with key",
			cfg:  Config{port: 8080, recordURL: "https://db.example.com", recordKey: "secret"},
		},
		{
			name:    "record url bad scheme",
			cfg:     Config{port: 8080, recordURL: "ftp://db.example.com"},
			wantErr: "invalid record url scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigScheme(t *testing.T) {
	assert.Equal(t, "http", (&Config{}).scheme())
	assert.Equal(t, "https", (&Config{tlsCert: "cert.pem", tlsKey: "key.pem"}).scheme())
}

func TestDuelManagerGameIDs(t *testing.T) {
	dm := newDuelManager(noopRecorder{}, 0)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := dm.newGameID()
		require.Len(t, id, 8)
		assert.False(t, seen[id], "game IDs should not repeat")
		seen[id] = true
	}
}

func TestDuelManagerReusesHub(t *testing.T) {
	cfg := &Config{port: 8080}
	dm := newDuelManager(noopRecorder{}, 0)

	a := dm.getHub(cfg, "abc")
	b := dm.getHub(cfg, "abc")
	c := dm.getHub(cfg, "xyz")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
