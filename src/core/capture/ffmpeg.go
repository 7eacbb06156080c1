package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"vision-qa-server/src/configs"
)

// FFmpegSource 通过 ffmpeg 从本地设备读取 MJPEG 帧流
func FFmpegSource(cfg configs.CaptureConfig) SourceOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		args := []string{"-hide_banner", "-loglevel", "error"}
		if cfg.InputFormat != "" {
			args = append(args, "-f", cfg.InputFormat)
		}
		args = append(args,
			"-i", cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "3",
			"-",
		)

		cmd := exec.CommandContext(ctx, cfg.FFmpegPath, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		p := &processReader{cmd: cmd, stdout: stdout}
		cmd.Stderr = &p.stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.FFmpegPath, err)
		}
		return p, nil
	}
}

// processReader 读取子进程标准输出，进程异常退出时把 stderr 带入错误
type processReader struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  bytes.Buffer
	once    sync.Once
	waitErr error
}

func (p *processReader) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("%w: %s", werr, strings.TrimSpace(p.stderr.String()))
		}
	}
	return n, err
}

func (p *processReader) wait() error {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Close 结束子进程并等待退出，释放设备
func (p *processReader) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}
