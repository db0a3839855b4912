package llm

import (
	"context"
	"sync"
	"time"

	"github.com/Morwran/yagpt"
	"github.com/pkg/errors"
)

// IAM tokens live for 12h; refresh well before that.
const iamRefreshInterval = time.Hour

type YandexClient struct {
	ya       yagpt.YaGPTFace
	newToken func() (string, error)

	mu        sync.Mutex
	iamToken  string
	refreshed time.Time
}

func NewYandex(oauthToken, folderID string) (*YandexClient, error) {
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init yandex iam")
	}
	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init yagpt")
	}
	c := &YandexClient{
		ya: ya,
		newToken: func() (string, error) {
			resp, err := iam.Create()
			if err != nil {
				return "", errors.Wrap(err, "failed to create iam token")
			}
			return resp.IamToken, nil
		},
	}
	if _, err := c.token(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *YandexClient) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iamToken != "" && time.Since(c.refreshed) < iamRefreshInterval {
		return c.iamToken, nil
	}
	token, err := c.newToken()
	if err != nil {
		return "", err
	}
	c.iamToken = token
	c.refreshed = time.Now()
	return c.iamToken, nil
}

func (c *YandexClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	token, err := c.token()
	if err != nil {
		return Response{}, err
	}
	yaMsgs := make([]yagpt.Message, 0, len(messages))
	for _, m := range messages {
		yaMsgs = append(yaMsgs, yagpt.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := c.ya.CompletionWithCtx(ctx, token, yaMsgs)
	if err != nil {
		return Response{}, errors.Wrap(err, "yagpt completion failed")
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return Response{}, errors.New("yagpt returned empty response")
	}
	return Response{
		Content:          resp.Alternatives[0].Message.Content,
		Model:            yagpt.YaModelLite,
		PromptTokens:     int(resp.Usage.InputTextTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}, nil
}
