package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Player pipes raw PCM into an external playback command such as aplay or ffplay.
// The placeholders {sample_rate} and {channels} are expanded in the command.
type Player struct {
	args  []string
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewPlayer(command string, f Format) (*Player, error) {
	command = strings.NewReplacer(
		"{sample_rate}", strconv.Itoa(f.SampleRate),
		"{channels}", strconv.Itoa(f.Channels),
	).Replace(command)
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &Player{args: args}, nil
}

// Start launches the playback process. It exits when ctx is cancelled.
func (p *Player) Start(ctx context.Context) error {
	if p.cmd != nil {
		return errors.New("player already started")
	}
	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	p.cmd, p.stdin = cmd, stdin
	return nil
}

func (p *Player) Write(pcm []byte) error {
	if p.stdin == nil {
		return errors.New("player not started")
	}
	_, err := p.stdin.Write(pcm)
	return err
}

// Close ends the stream and waits for playback to drain.
func (p *Player) Close() error {
	if p.cmd == nil {
		return nil
	}
	err := p.stdin.Close()
	if werr := p.cmd.Wait(); werr != nil {
		err = errors.Join(err, fmt.Errorf("playback exited: %w", werr))
	}
	p.cmd, p.stdin = nil, nil
	return err
}
