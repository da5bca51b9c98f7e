package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dypnsapi "github.com/alibabacloud-go/dypnsapi-20170525/v3/client"
	"github.com/alibabacloud-go/tea/tea"
)

// Sender dispatches a verification code to a phone out-of-band and
// returns the code that was sent.
type Sender interface {
	SendVerifyCode(ctx context.Context, phone string) (string, error)
}

const codeLength = 6

// AliyunConfig holds the SMS verify-code dispatch credentials.
type AliyunConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string
	SignName        string
	TemplateCode    string
}

// AliyunSender sends codes through the Aliyun phone-number verification
// service and relies on it for code generation.
type AliyunSender struct {
	client   *dypnsapi.Client
	signName string
	template string
}

func NewAliyunSender(cfg AliyunConfig) (*AliyunSender, error) {
	if strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.AccessKeySecret) == "" {
		return nil, errors.New("sms access key id and secret are required")
	}
	if strings.TrimSpace(cfg.SignName) == "" || strings.TrimSpace(cfg.TemplateCode) == "" {
		return nil, errors.New("sms sign name and template code are required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "dypnsapi.aliyuncs.com"
	}
	client, err := dypnsapi.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String(endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("init sms client: %w", err)
	}
	return &AliyunSender{
		client:   client,
		signName: cfg.SignName,
		template: cfg.TemplateCode,
	}, nil
}

func (s *AliyunSender) SendVerifyCode(_ context.Context, phone string) (string, error) {
	resp, err := s.client.SendSmsVerifyCode(&dypnsapi.SendSmsVerifyCodeRequest{
		PhoneNumber:      tea.String(phone),
		SignName:         tea.String(s.signName),
		TemplateCode:     tea.String(s.template),
		TemplateParam:    tea.String(`{"code":"##code##"}`),
		CodeLength:       tea.Int64(codeLength),
		ValidTime:        tea.Int64(300),
		ReturnVerifyCode: tea.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("send sms verify code: %w", err)
	}
	if resp == nil || resp.Body == nil || tea.StringValue(resp.Body.Code) != "OK" {
		return "", fmt.Errorf("send sms verify code: provider returned %q", tea.StringValue(respCode(resp)))
	}
	if resp.Body.Model == nil || tea.StringValue(resp.Body.Model.VerifyCode) == "" {
		return "", errors.New("send sms verify code: provider returned no code")
	}
	return tea.StringValue(resp.Body.Model.VerifyCode), nil
}

func respCode(resp *dypnsapi.SendSmsVerifyCodeResponse) *string {
	if resp == nil || resp.Body == nil {
		return nil
	}
	return resp.Body.Code
}

// LogSender generates the code locally and logs it instead of sending.
// Development use only.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) SendVerifyCode(_ context.Context, phone string) (string, error) {
	code, err := generateNumericCode(codeLength)
	if err != nil {
		return "", err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sms verify code generated", "phone", MaskPhone(phone), "code", code)
	return code, nil
}

func generateNumericCode(length int) (string, error) {
	if length <= 0 {
		length = codeLength
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// MaskPhone hides all but the last two digits for log output.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 2 {
		return "***"
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
