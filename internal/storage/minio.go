package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// ListBatchObjects 列出批次前缀下的全部对象
	ListBatchObjects(ctx context.Context, batchID string) ([]types.FileObject, error)

	// GetObject 下载对象内容
	GetObject(ctx context.Context, objectPath string) ([]byte, error)

	// GetObjectWithMD5 下载对象内容并返回内容MD5
	GetObjectWithMD5(ctx context.Context, objectPath string) ([]byte, string, error)
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client       *minio.Client
	cfg          *config.MinIOConfig
	intakeBucket string
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client:       client,
		cfg:          cfg,
		intakeBucket: cfg.IntakeBucket,
	}

	if err := m.ensureBucketExists(context.Background(), cfg.IntakeBucket, cfg.Location); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶是否存在失败: %w", err)
	}
	if exists {
		return nil
	}
	err = m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location})
	if err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	return nil
}

// ListBatchObjects 列出批次前缀下的全部对象
// 批次文件按 {batch_id}/ 前缀存放，目录占位对象被跳过
func (m *MinIO) ListBatchObjects(ctx context.Context, batchID string) ([]types.FileObject, error) {
	prefix := batchID
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var objects []types.FileObject
	for info := range m.client.ListObjects(ctx, m.intakeBucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("列出批次对象失败: %w", info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		name := info.Key
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		objects = append(objects, types.FileObject{
			Name: name,
			Path: info.Key,
			Size: info.Size,
		})
	}
	return objects, nil
}

// GetObject 下载对象内容
func (m *MinIO) GetObject(ctx context.Context, objectPath string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.intakeBucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象失败: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象内容失败: %w", err)
	}
	return data, nil
}

// GetObjectWithMD5 下载对象内容并计算内容MD5，供原始文件去重使用
func (m *MinIO) GetObjectWithMD5(ctx context.Context, objectPath string) ([]byte, string, error) {
	data, err := m.GetObject(ctx, objectPath)
	if err != nil {
		return nil, "", err
	}
	sum := md5.Sum(data)
	return data, hex.EncodeToString(sum[:]), nil
}
