package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"fleet/pkg/model"
)

// Key 布局 (Schema Design): <prefix>nodes/<id>, <prefix>tasks/<id>
const (
	nodesDir = "nodes/"
	tasksDir = "tasks/"
)

type EtcdManager struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, prefix string, log *zap.Logger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdManager{client: cli, prefix: prefix, log: log.Named("etcd")}, nil
}

func (e *EtcdManager) nodeKey(id string) string { return e.prefix + nodesDir + id }
func (e *EtcdManager) taskKey(id string) string { return e.prefix + tasksDir + id }

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) PutNode(ctx context.Context, node *model.Node) error {
	return e.putValue(ctx, e.nodeKey(node.ID), node)
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, e.prefix+nodesDir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.log.Warn("failed to unmarshal node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// Task 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) PutTask(ctx context.Context, task *model.Task) error {
	return e.putValue(ctx, e.taskKey(task.ID), task)
}

func (e *EtcdManager) ListTasks(ctx context.Context) ([]*model.Task, error) {
	resp, err := e.client.Get(ctx, e.prefix+tasksDir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task model.Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			e.log.Warn("failed to unmarshal task", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// WatchTasks 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchTasks(ctx context.Context) <-chan TaskEvent {
	eventChan := make(chan TaskEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, e.prefix+tasksDir, clientv3.WithPrefix(), clientv3.WithPrevKV())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				var (
					eventType TaskEventType
					raw       []byte
				)
				switch ev.Type {
				case clientv3.EventTypePut:
					eventType, raw = TaskPut, ev.Kv.Value
				case clientv3.EventTypeDelete:
					if ev.PrevKv == nil {
						continue
					}
					eventType, raw = TaskDelete, ev.PrevKv.Value
				}

				var task model.Task
				if err := json.Unmarshal(raw, &task); err != nil {
					e.log.Warn("failed to unmarshal task", zap.Error(err))
					continue
				}

				select {
				case eventChan <- TaskEvent{Type: eventType, Task: &task}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(b))
	return err
}
