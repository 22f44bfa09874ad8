package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/tmp/filevault.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, prg.Start(nil))

	select {
	case path := <-started:
		assert.Equal(t, "/tmp/filevault.yaml", path)
	case <-time.After(time.Second):
		t.Fatal("run function not called")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	prg := &Program{Run: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return errors.New("flush failed")
	}}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "flush failed")
}

func TestProgram_StartWithoutRun(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
}

func TestServiceConfig(t *testing.T) {
	c := (&Config{ConfigPath: "/etc/fv.yaml"}).withDefaults()
	assert.Equal(t, DefaultName, c.Name)

	sc := serviceConfig(c)
	assert.Equal(t, []string{RunFlag, "serve", "--config", "/etc/fv.yaml"}, sc.Arguments)
	assert.Equal(t, DefaultName, sc.Name)
}

func TestIsServiceRun(t *testing.T) {
	assert.True(t, IsServiceRun([]string{"filevault", RunFlag, "serve"}))
	assert.False(t, IsServiceRun([]string{"filevault", "serve"}))
}

func TestLogCommand(t *testing.T) {
	cmd, err := logCommand("linux", LogOptions{Follow: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"journalctl", "-u", "filevault", "-n", "50", "--no-pager", "-f"}, cmd.Args)

	cmd, err = logCommand("darwin", LogOptions{ServiceName: "fv", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"tail", "-n", "10", "/var/log/fv.log"}, cmd.Args)

	_, err = logCommand("plan9", LogOptions{})
	assert.Error(t, err)
}
