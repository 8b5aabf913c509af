package afk

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// planDocument is the YAML wire form of a Plan. Durations are float seconds,
// matching the retry environment variables.
type planDocument struct {
	Nodes          []planNodeDoc `yaml:"nodes"`
	Edges          []PlanEdge    `yaml:"edges"`
	JoinPolicy     string        `yaml:"join_policy"`
	MaxParallelism int           `yaml:"max_parallelism"`
	Quorum         int           `yaml:"quorum"`
}

type planNodeDoc struct {
	ID           string         `yaml:"id"`
	TargetAgent  string         `yaml:"target_agent"`
	InputBinding map[string]any `yaml:"input_binding"`
	TimeoutS     float64        `yaml:"timeout_s"`
	Optional     bool           `yaml:"optional"`
	Retry        retryDoc       `yaml:"retry"`
}

type retryDoc struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BackoffBaseS float64 `yaml:"backoff_base_s"`
	BackoffMaxS  float64 `yaml:"backoff_max_s"`
	JitterS      float64 `yaml:"jitter_s"`
}

// ParsePlan decodes a YAML plan document. An omitted join_policy defaults to
// all_required and an omitted max_parallelism to 1 (sequential); structural
// validation happens when the plan runs.
func ParsePlan(data []byte) (Plan, error) {
	var doc planDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	plan := Plan{
		Edges:          doc.Edges,
		JoinPolicy:     JoinPolicy(doc.JoinPolicy),
		MaxParallelism: doc.MaxParallelism,
		Quorum:         doc.Quorum,
	}
	if plan.JoinPolicy == "" {
		plan.JoinPolicy = JoinAllRequired
	}
	if plan.MaxParallelism == 0 {
		plan.MaxParallelism = 1
	}
	for _, node := range doc.Nodes {
		plan.Nodes = append(plan.Nodes, PlanNode{
			ID:           node.ID,
			TargetAgent:  node.TargetAgent,
			InputBinding: node.InputBinding,
			Timeout:      secondsToDuration(node.TimeoutS),
			Optional:     node.Optional,
			Retry: RetryPolicy{
				MaxAttempts: node.Retry.MaxAttempts,
				BackoffBase: secondsToDuration(node.Retry.BackoffBaseS),
				BackoffMax:  secondsToDuration(node.Retry.BackoffMaxS),
				Jitter:      secondsToDuration(node.Retry.JitterS),
			},
		})
	}
	return plan, nil
}

// LoadPlanFile reads and decodes a YAML plan document.
func LoadPlanFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan file: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
