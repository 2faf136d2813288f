// internal/calibrator/calibrator_test.go
package calibrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

type fakeSender struct {
	commands []string
}

func (f *fakeSender) Send(command string) (string, error) {
	f.commands = append(f.commands, command)
	return "ok", nil
}

func TestCommandsFormatsConfiguredTokens(t *testing.T) {
	c := New(config.CalibratorConfig{
		Tokens: map[string]string{
			"1": "C X %s",
			"3": "C Y %s",
		},
	}, nil, zap.NewNop())

	commands := c.Commands("10 20 30")
	require.Equal(t, []string{"C X 10", "C Y 30"}, commands)
}

func TestCommandsSkipsUnconfiguredTokens(t *testing.T) {
	c := New(config.CalibratorConfig{
		Tokens: map[string]string{"2": "C Z %s"},
	}, nil, zap.NewNop())

	require.Equal(t, []string{"C Z 20"}, c.Commands("10 20"))
	require.Empty(t, c.Commands(""))
}

func TestCalibrateFetchesAndForwards(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("128 256\n"))
	}))
	defer server.Close()

	sender := &fakeSender{}
	c := New(config.CalibratorConfig{
		Host: server.URL,
		Tokens: map[string]string{
			"1": "C X %s",
			"2": "C Y %s",
		},
	}, sender, zap.NewNop())

	c.calibrate(context.Background())

	require.Equal(t, []string{"C X 128", "C Y 256"}, sender.commands)
}

func TestCalibrateFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := &fakeSender{}
	c := New(config.CalibratorConfig{
		Host:   server.URL,
		Tokens: map[string]string{"1": "C X %s"},
	}, sender, zap.NewNop())

	c.calibrate(context.Background())

	require.Empty(t, sender.commands)
}
