// Package knowledge answers general store questions from a local topic base.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	contractx "github.com/dmartinelli/storebot/agent/contract"
)

type Config struct {
	// File optionally points at a YAML file overriding the built-in topics:
	// topic name -> {answer: "...", keywords: [...]}.
	File string `envconfig:"FILE" split_words:"true"`
}

type Topic struct {
	Name     string
	Keywords []string
	Answer   string
}

// Base matches a free-text query against topic keywords. Lookup never fails
// with Unavailable: the data is in-process.
type Base struct {
	topics []Topic
}

var _ contractx.Knowledge = (*Base)(nil)

// defaultTopics mirrors the store-facts surface: hours, location, contact,
// promotions, payment methods, social media, and a general blurb.
var defaultTopics = []Topic{
	{
		Name:     "hours",
		Keywords: []string{"hour", "hours", "open", "close", "closing", "opening", "schedule"},
		Answer:   "We're open Monday to Saturday from 9:00 to 20:00, and Sundays from 10:00 to 14:00.",
	},
	{
		Name:     "location",
		Keywords: []string{"location", "address", "where", "located", "directions", "find you"},
		Answer:   "You can find us at 742 Market Street, downtown. There's parking right behind the building.",
	},
	{
		Name:     "contact",
		Keywords: []string{"contact", "phone", "call", "email", "reach"},
		Answer:   "You can reach us at (555) 010-7788 or hello@store.example during business hours.",
	},
	{
		Name:     "promotions",
		Keywords: []string{"promotion", "promotions", "discount", "sale", "offer", "deals", "coupon"},
		Answer:   "This week: 15% off backpacks and free shipping on orders over $50.",
	},
	{
		Name:     "payment",
		Keywords: []string{"payment", "pay", "card", "cash", "credit", "debit", "transfer"},
		Answer:   "We accept cash, all major credit and debit cards, and bank transfers.",
	},
	{
		Name:     "social",
		Keywords: []string{"social", "instagram", "facebook", "twitter", "follow"},
		Answer:   "Follow us at @storebot on Instagram and Facebook for new arrivals and promos.",
	},
	{
		Name:     "about",
		Keywords: []string{"about", "store", "shop", "who are you", "what do you sell"},
		Answer:   "We're a neighborhood goods store carrying bags, outdoor gear, and everyday essentials.",
	},
}

func New(cfg Config) (*Base, error) {
	topics := defaultTopics
	if file := strings.TrimSpace(cfg.File); file != "" {
		loaded, err := loadTopicsFile(file)
		if err != nil {
			return nil, err
		}
		topics = loaded
	}
	return &Base{topics: topics}, nil
}

func loadTopicsFile(path string) ([]Topic, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}

	var topics []Topic
	for _, name := range v.AllKeys() {
		// AllKeys flattens nested maps; only walk top-level topic names.
		topic := strings.SplitN(name, ".", 2)[0]
		if hasTopic(topics, topic) {
			continue
		}
		sub := v.Sub(topic)
		if sub == nil {
			continue
		}
		answer := strings.TrimSpace(sub.GetString("answer"))
		keywords := sub.GetStringSlice("keywords")
		if answer == "" || len(keywords) == 0 {
			return nil, fmt.Errorf("knowledge topic %q needs answer and keywords", topic)
		}
		topics = append(topics, Topic{Name: topic, Keywords: keywords, Answer: answer})
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("knowledge file has no topics")
	}
	return topics, nil
}

func hasTopic(topics []Topic, name string) bool {
	for _, t := range topics {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Lookup returns the first topic whose keyword appears in the query.
func (b *Base) Lookup(_ context.Context, query string) (contractx.KnowledgeResult, error) {
	q := strings.ToLower(query)
	for _, topic := range b.topics {
		for _, kw := range topic.Keywords {
			if strings.Contains(q, strings.ToLower(kw)) {
				return contractx.KnowledgeResult{Found: true, Answer: topic.Answer}, nil
			}
		}
	}
	return contractx.KnowledgeResult{Found: false}, nil
}
