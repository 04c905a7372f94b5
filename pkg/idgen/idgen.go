// Package idgen 提供全局唯一 ID 生成：snowflake 数字 ID 与 UUID 字符串
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 按节点编号初始化 snowflake 生成器，重复调用覆盖旧节点
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NextID 生成下一个 snowflake ID；未初始化时使用 0 号节点
func NextID() int64 {
	return nextID().Int64()
}

// NextIDString 生成下一个 snowflake ID 的十进制字符串
func NextIDString() string {
	return nextID().String()
}

func nextID() snowflake.ID {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		n, err := snowflake.NewNode(0)
		if err != nil {
			panic(fmt.Sprintf("idgen: default node init failed: %v", err))
		}
		node = n
	}
	return node.Generate()
}

// UUID 生成随机 UUID v4 字符串
func UUID() string {
	return uuid.NewString()
}
