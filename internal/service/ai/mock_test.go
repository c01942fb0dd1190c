package ai

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Category
	}{
		{"I have bad CRAMPS today", CategoryPain},
		{"my back pain is worse", CategoryPain},
		{"My period is late", CategoryVariance},
		{"I missed my period", CategoryVariance},
		{"it's really heavy this month", CategoryFlow},
		{"is my flow normal?", CategoryFlow},
		{"what should I eat for breakfast", CategoryGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.text), tc.text)
	}
}

func TestMockResponderUsesCategoryTemplates(t *testing.T) {
	m := NewMockResponder(rand.NewSource(1))
	assert.Contains(t, Templates(CategoryPain), m.Respond("cramp"))
	assert.Contains(t, Templates(CategoryFlow), m.Respond("Heavy"))
	for i := 0; i < 10; i++ {
		assert.Contains(t, Templates(CategoryGeneral), m.Respond("hello"))
	}
}

func TestMockResponderIsDeterministicForSeed(t *testing.T) {
	a := NewMockResponder(rand.NewSource(42))
	b := NewMockResponder(rand.NewSource(42))
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Respond("hi"), b.Respond("hi"))
	}
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeMock, ModeFor(""))
	assert.Equal(t, ModeMock, ModeFor("  "))
	assert.Equal(t, ModeAI, ModeFor("sk-test"))
}

type stubChatModel struct {
	reply string
	err   error
	got   []*schema.Message
}

func (s *stubChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	s.got = input
	if s.err != nil {
		return nil, s.err
	}
	return schema.AssistantMessage(s.reply, nil), nil
}

func (s *stubChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestChatModelProvider(t *testing.T) {
	stub := &stubChatModel{reply: "hello there"}
	p := NewChatModelProvider(stub)
	out, err := p.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	require.Len(t, stub.got, 1)

	stub.reply = "   "
	_, err = p.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyReply)

	stub.err = errors.New("boom")
	_, err = p.Generate(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	_, err := NewProvider(context.Background(), ProviderConfig{Provider: "nope", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewProvider(context.Background(), ProviderConfig{Provider: "openai"})
	assert.Error(t, err)
}
