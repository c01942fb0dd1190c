package ai

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Category names the template family a mock reply was drawn from.
type Category string

const (
	CategoryPain     Category = "pain"
	CategoryVariance Category = "cycle_variance"
	CategoryFlow     Category = "flow"
	CategoryGeneral  Category = "general"
)

var mockTemplates = map[Category][]string{
	CategoryPain: {
		"Cramps and period pain are common, but they shouldn't stop you from living your life. A heating pad, gentle movement and staying hydrated often help. If over-the-counter pain relief isn't enough or the pain is getting worse, it's worth talking to a healthcare provider.",
	},
	CategoryVariance: {
		"A late or missed period can happen for many reasons, including stress, travel, illness, changes in weight or exercise, and hormonal shifts. Cycles between 21 and 35 days are considered typical. If your period is more than a week late and pregnancy is possible, consider taking a test, and check in with a healthcare provider if changes persist.",
	},
	CategoryFlow: {
		"Flow varies from person to person and cycle to cycle. Soaking through a pad or tampon every hour for several hours, passing large clots, or bleeding longer than seven days can be signs of heavy menstrual bleeding. Tracking your flow helps, and a healthcare provider can check for causes like fibroids or low iron.",
	},
	CategoryGeneral: {
		"Thanks for sharing that. Based on your assessment, keeping track of your cycle length, symptoms and energy levels can help you spot patterns over time. Is there anything specific you'd like to understand better?",
		"That's a great question. Everyone's cycle is a little different, and your assessment results give a useful starting point. Small habits like regular sleep, balanced meals and staying active can make a noticeable difference.",
		"I'm here to help you make sense of your cycle. If anything in your assessment surprised you, let me know and we can go through it together. For anything that worries you, a healthcare provider is always the best next step.",
		"Understanding your body takes time. Logging your symptoms alongside your cycle can reveal connections you might not notice otherwise. What would you like to focus on?",
	},
}

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryPain, []string{"pain", "cramp"}},
	{CategoryVariance, []string{"late", "missed"}},
	{CategoryFlow, []string{"heavy", "flow"}},
}

// Classify picks the template family for a user message by case-insensitive keyword match.
func Classify(text string) Category {
	lower := strings.ToLower(text)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}

// Templates returns the replies available for a category.
func Templates(category Category) []string {
	return append([]string(nil), mockTemplates[category]...)
}

// MockResponder answers without any external service.
type MockResponder struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockResponder returns a responder drawing generic replies from src
// (seeded from the clock when nil).
func NewMockResponder(src rand.Source) *MockResponder {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &MockResponder{rnd: rand.New(src)}
}

// Respond returns a canned reply for text.
func (m *MockResponder) Respond(text string) string {
	pool := mockTemplates[Classify(text)]
	if len(pool) == 1 {
		return pool[0]
	}
	m.mu.Lock()
	i := m.rnd.Intn(len(pool))
	m.mu.Unlock()
	return pool[i]
}
