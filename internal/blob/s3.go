package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound 对象不存在。
var ErrNotFound = errors.New("blob not found")

// API 取回邮件体用到的对象存储操作子集。
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store 对象存储读取器。
//
// Worker 对每个信封至多读取一次：重试包络由队列的可见性租约提供，
// 这里不做指数退避。
type Store struct {
	client API
}

// NewStore 用注入的客户端创建读取器
func NewStore(client API) *Store {
	return &Store{client: client}
}

// NewStoreFromRegion 用默认凭证链创建读取器
func NewStoreFromRegion(ctx context.Context, region string) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewStore(s3.NewFromConfig(awsCfg)), nil
}

// Get 取回对象内容
//
// 返回值:
//   - 对象不存在时返回 ErrNotFound（永久失败）
//   - 其余错误视为瞬时故障，由调用方决定是否让消息回到队列
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return body, nil
}
