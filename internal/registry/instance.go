// Package registry 维护服务实例的注册信息与状态，是服务发现的唯一事实来源。
package registry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// InstanceStatus 实例状态
type InstanceStatus string

const (
	// StatusUp 实例可用
	StatusUp InstanceStatus = "UP"
	// StatusDown 实例不可用
	StatusDown InstanceStatus = "DOWN"
	// StatusUnknown 尚未经过健康检查
	StatusUnknown InstanceStatus = "UNKNOWN"
)

// ServiceInstance 服务实例
type ServiceInstance struct {
	// 实例唯一标识
	ID string `json:"id" validate:"required"`
	// 逻辑服务名
	ServiceName string `json:"service_name" validate:"required"`
	// 主机地址
	Host string `json:"host" validate:"required"`
	// 端口
	Port int `json:"port" validate:"gte=1,lte=65535"`
	// 实例版本号
	Version string `json:"version,omitempty"`
	// 负载均衡权重，默认为 1
	Weight int `json:"weight,omitempty" validate:"gte=0"`
	// 附加元数据
	Metadata map[string]string `json:"metadata,omitempty"`
	// 当前状态
	Status InstanceStatus `json:"status"`
	// 注册时间
	RegisteredAt time.Time `json:"registered_at"`
	// 最近一次心跳时间
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

var validate = validator.New()

// Validate 校验实例的必填字段与取值范围
func (i *ServiceInstance) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid service instance: %w", err)
	}
	return nil
}

// Address 返回 host:port 形式的访问地址
func (i *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Clone 返回实例的深拷贝，隔离调用方对内部状态的修改
func (i *ServiceInstance) Clone() *ServiceInstance {
	dup := *i
	if i.Metadata != nil {
		dup.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// ServiceSummary 按服务聚合的概览
type ServiceSummary struct {
	// 服务名
	Name string `json:"name"`
	// 实例总数
	InstanceCount int `json:"instance_count"`
	// 可用实例数
	UpCount int `json:"up_count"`
	// 聚合状态：只要存在一个 UP 实例即为 UP
	Status InstanceStatus `json:"status"`
}
