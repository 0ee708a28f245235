package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"fleet/pkg/model"
)

const TypeContainer = "container"

// containerArgs 是 container 任务的 data 字段
type containerArgs struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
	Env     []string `json:"env"`
}

type containerResult struct {
	Image    string `json:"image"`
	ExitCode int64  `json:"exit_code"`
	Output   string `json:"output"`
}

// DockerExecutor runs `container` tasks on the local Docker daemon.
type DockerExecutor struct {
	cli          *client.Client
	defaultImage string
	log          *zap.Logger
}

// NewDockerExecutor 初始化 Docker 客户端
func NewDockerExecutor(defaultImage string, log *zap.Logger) (*DockerExecutor, error) {
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if defaultImage == "" {
		defaultImage = "alpine:latest"
	}
	return &DockerExecutor{cli: cli, defaultImage: defaultImage, log: log.Named("docker")}, nil
}

// Ping checks the daemon is reachable.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *DockerExecutor) Close() error { return e.cli.Close() }

func (e *DockerExecutor) containerArgs(task *model.TaskAssignment) (containerArgs, error) {
	var args containerArgs
	if err := decode(task, &args); err != nil {
		return args, err
	}
	if len(args.Command) == 0 {
		return args, fmt.Errorf("task %s: data.command is required", task.TaskID)
	}
	if args.Image == "" {
		args.Image = e.defaultImage
	}
	return args, nil
}

// Run creates, starts and waits for a container, then returns its logs.
// A non-zero exit code is reported as an error.
func (e *DockerExecutor) Run(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	args, err := e.containerArgs(task)
	if err != nil {
		return nil, err
	}
	log := e.log.With(zap.String("task_id", task.TaskID), zap.String("image", args.Image))

	// 1. 拉取镜像 (本地已有则跳过)
	if err := e.ensureImage(ctx, args.Image); err != nil {
		return nil, err
	}

	// 2. 创建容器
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: args.Image,
		Cmd:   args.Command,
		Env:   args.Env,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, err
	}
	containerID := resp.ID
	log.Debug("container created", zap.String("container_id", containerID[:12]))

	// 清理容器 (不论成功失败)
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn("remove container", zap.Error(err))
		}
	}()

	// 3. 启动容器
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, err
	}

	// 4. 等待容器结束
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	// 5. 获取日志, stdcopy 拆分 docker 的多路复用流
	outReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	defer outReader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return nil, err
	}

	log.Info("container finished", zap.Int64("exit_code", exitCode))
	out, err := json.Marshal(containerResult{Image: args.Image, ExitCode: exitCode, Output: buf.String()})
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return out, fmt.Errorf("container exited with code %d", exitCode)
	}
	return out, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}

	e.log.Info("pulling image", zap.String("image", image))
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
