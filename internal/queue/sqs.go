package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message 从队列拉取到的一条原始消息。
type Message struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}

// Stats 队列深度统计。
type Stats struct {
	Visible    int64
	Delayed    int64
	NotVisible int64
}

// API 消费者用到的队列操作子集，便于测试替换。
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Consumer 封装队列的长轮询消费。
type Consumer struct {
	client   API
	queueURL string
}

// NewConsumer 用注入的客户端创建消费者
func NewConsumer(client API, queueURL string) *Consumer {
	return &Consumer{client: client, queueURL: queueURL}
}

// NewConsumerFromRegion 用默认凭证链创建消费者
func NewConsumerFromRegion(ctx context.Context, region, queueURL string) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewConsumer(sqs.NewFromConfig(awsCfg), queueURL), nil
}

// Name 返回队列名（URL 的最后一段），用作指标标签。
func (c *Consumer) Name() string {
	parts := strings.Split(strings.TrimRight(c.queueURL, "/"), "/")
	return parts[len(parts)-1]
}

// Receive 长轮询拉取一批消息
//
// 参数:
//   - batchSize: 最多拉取条数，1..10
//   - waitSeconds: 长轮询等待秒数
//   - visibilitySeconds: 可见性租约秒数
func (c *Consumer) Receive(ctx context.Context, batchSize, waitSeconds, visibilitySeconds int) ([]Message, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(batchSize),
		WaitTimeSeconds:     int32(waitSeconds),
		VisibilityTimeout:   int32(visibilitySeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("receive from queue: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return messages, nil
}

// Delete 删除一条消息，结束其可见性租约。
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete from queue: %w", err)
	}
	return nil
}

// Stats 查询队列的可见/延迟/在途消息数。
func (c *Consumer) Stats(ctx context.Context) (Stats, error) {
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("get queue attributes: %w", err)
	}

	parse := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		return n
	}

	return Stats{
		Visible:    parse(types.QueueAttributeNameApproximateNumberOfMessages),
		Delayed:    parse(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
		NotVisible: parse(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
	}, nil
}
