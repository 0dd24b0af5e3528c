package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"sentinal-e2ee/internal/storage"
	"sentinal-e2ee/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-mode", "test"}, args...))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestQREncodeDecode(t *testing.T) {
	encoded := strings.TrimSpace(run(t, "qr", "encode",
		"--version", "3",
		"--intent", "reciprocate",
		"--base-url", "https://matrix.example.org",
		"--rendezvous-id", "6f1c3b9e-3a55-4a4e-9d67-0c1d2e3f4a5b"))
	require.NotEmpty(t, encoded)

	var view qrView
	require.NoError(t, json.Unmarshal([]byte(run(t, "qr", "decode", encoded)), &view))
	assert.Equal(t, 3, view.Version)
	assert.Equal(t, "reciprocate", view.Intent)
	assert.Equal(t, "https://matrix.example.org", view.BaseURL)
	assert.Equal(t, "6f1c3b9e-3a55-4a4e-9d67-0c1d2e3f4a5b", view.RendezvousID)
}

func TestQREncodeRejectsBadFlags(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--log-mode", "test", "qr", "encode", "--version", "9"})
	assert.Error(t, root.Execute())
}

func TestSimulation(t *testing.T) {
	var out bytes.Buffer
	err := runSimulation(context.Background(), &out, logger.NewNop(), storage.NewMemoryBlobStore("example.org"), "example.org", "!sim:example.org")
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "shared with 1 device(s), withheld from 0")
	assert.Contains(t, text, `bob decrypted {"msgtype":"m.text","body":"hello bob"}`)
	assert.Contains(t, text, "charlie imported 1 room key(s)")
	assert.Contains(t, text, "(forwarded true)")
}
