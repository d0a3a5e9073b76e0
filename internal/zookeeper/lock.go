// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"salesledger/internal/pkg/keylock"
	"salesledger/internal/pkg/logger"
)

const (
	DefaultLockRoot = "/salesledger_locks" // 所有分布式锁的根节点
)

// Connect 建立 ZooKeeper 会话并等待连接可用。
func Connect(ctx context.Context, servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				return conn, nil
			}
		case <-ctx.Done():
			conn.Close()
			return nil, errors.Wrap(ctx.Err(), "wait for zookeeper session")
		}
	}
}

// Locker 基于 ZooKeeper 临时顺序节点实现 keylock.Locker，跨进程生效。
type Locker struct {
	conn *zk.Conn
	root string
}

var _ keylock.Locker = (*Locker)(nil)

// NewLocker 创建锁工厂并确保根节点存在。
func NewLocker(conn *zk.Conn, root string) (*Locker, error) {
	if root == "" {
		root = DefaultLockRoot
	}
	if err := ensureNode(conn, root); err != nil {
		return nil, err
	}
	return &Locker{conn: conn, root: root}, nil
}

// Lock 获取 key 对应的分布式锁。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := NewDistributedLock(l.conn, l.root, key)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return releaser(ctx, key, lock.Unlock), nil
}

// releaser 包装 Unlock。释放失败时锁节点要等会话过期才会消失，必须记录下来。
func releaser(ctx context.Context, key string, unlock func() error) func() {
	return func() {
		if err := unlock(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("lock_key", key).
				Msg("failed to release zookeeper lock, node remains until session expiry")
		}
	}
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     *zk.Conn
	path     string // 锁的路径，例如 /salesledger_locks/product-123
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例
func NewDistributedLock(conn *zk.Conn, root, resourceID string) (*DistributedLock, error) {
	lockPath := root + "/" + strings.ReplaceAll(resourceID, "/", "_")
	if err := ensureNode(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensureNode(conn *zk.Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "check lock node %s", path)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create lock node %s", path)
	}
	return nil
}

// Lock 尝试获取锁，获取不到则阻塞，直到成功或 ctx 结束。
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "create sequential node")
	}
	l.lockNode = nodePath

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return errors.Wrap(err, "list lock children")
		}
		sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

		// 3. 判断自己是否是最小的节点
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		prev := ""
		for i, child := range children {
			if child == myNodeName {
				if i > 0 {
					prev = children[i-1]
				}
				break
			}
		}
		if prev == "" {
			if len(children) > 0 && children[0] == myNodeName {
				return nil
			}
			l.abandon()
			return errors.New("own lock node disappeared")
		}

		// 4. 监听前一个节点
		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			l.abandon()
			return errors.Wrap(err, "watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "delete lock node")
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}

// sequenceOf 取出顺序节点的序号后缀。受保护节点带有 GUID 前缀，不能直接按名字排序。
func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
