package storage

import (
	"context"
	"fmt"
	"log"
	"strings"

	"intake-agent-go/internal/config"
)

// Storage 存储管理器，聚合摄取管道的全部存储依赖
type Storage struct {
	// 对象存储，批次原始文件所在
	MinIO *MinIO

	// 消息队列，批次事件的触发与通知
	RabbitMQ *RabbitMQ

	// 关系型数据库，批次/文件/候选人状态的事实来源
	MySQL *MySQL

	// 键值存储，原始文件MD5去重集合
	Redis *Redis
}

// NewStorage 创建存储管理器
// MySQL与MinIO是硬依赖，初始化失败直接返回错误；
// RabbitMQ与Redis按配置可选，缺席时相应能力降级
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	storage := &Storage{}
	var err error
	var initErrors []string

	storage.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	storage.MinIO, err = NewMinIO(&cfg.MinIO)
	if err != nil {
		storage.MySQL.Close()
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	if cfg.RabbitMQ.URL != "" {
		storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			log.Printf("警告: 初始化RabbitMQ失败: %v", err)
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	} else {
		log.Printf("RabbitMQ未配置, 跳过初始化.")
	}

	if cfg.Redis.Address != "" {
		storage.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			log.Printf("警告: 初始化Redis失败: %v", err)
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	} else {
		log.Printf("Redis未配置, 跳过初始化.")
	}

	if len(initErrors) > 0 {
		log.Printf("部分存储组件初始化失败: %s", strings.Join(initErrors, "; "))
	}

	return storage, nil
}

// Close 关闭所有存储连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Printf("关闭RabbitMQ连接失败: %v", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Printf("关闭Redis连接失败: %v", err)
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Printf("关闭MySQL连接失败: %v", err)
		}
	}
}
