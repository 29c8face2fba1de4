package eventstream

import "testing"

func TestStaticPolicy(t *testing.T) {
	p := StaticPolicy{UseNewTopic: true, RandomPartitionsAlways: false}
	if !p.UseNewTransactionsTopic(1) {
		t.Fatal("expected UseNewTopic to always report true")
	}
	if p.SendToRandomPartitions(1, "error") {
		t.Fatal("expected RandomPartitionsAlways=false to always report false")
	}
}

func TestConfigPolicyExplicitOverrideWinsOverRollout(t *testing.T) {
	p := NewConfigPolicy()
	p.SetNewTopicRolloutPercent(0)
	p.SetProjectOnNewTopic(42, true)

	if !p.UseNewTransactionsTopic(42) {
		t.Fatal("explicit override should win over a 0% rollout")
	}
	if p.UseNewTransactionsTopic(43) {
		t.Fatal("project without an override should fall through to the rollout")
	}
}

func TestConfigPolicyRolloutBounds(t *testing.T) {
	p := NewConfigPolicy()

	p.SetNewTopicRolloutPercent(0)
	for projectID := int64(0); projectID < 50; projectID++ {
		if p.UseNewTransactionsTopic(projectID) {
			t.Fatalf("0%% rollout must exclude every project, included %d", projectID)
		}
	}

	p.SetNewTopicRolloutPercent(100)
	for projectID := int64(0); projectID < 50; projectID++ {
		if !p.UseNewTransactionsTopic(projectID) {
			t.Fatalf("100%% rollout must include every project, excluded %d", projectID)
		}
	}
}

// A project's rollout bucket must not change across calls or across a
// freshly constructed policy with the same threshold, since nothing
// about bucket assignment is persisted.
func TestConfigPolicyRolloutDeterministic(t *testing.T) {
	p1 := NewConfigPolicy()
	p1.SetNewTopicRolloutPercent(50)
	p2 := NewConfigPolicy()
	p2.SetNewTopicRolloutPercent(50)

	for projectID := int64(0); projectID < 200; projectID++ {
		if p1.UseNewTransactionsTopic(projectID) != p2.UseNewTransactionsTopic(projectID) {
			t.Fatalf("project %d bucketed differently across policy instances", projectID)
		}
		if p1.UseNewTransactionsTopic(projectID) != p1.UseNewTransactionsTopic(projectID) {
			t.Fatalf("project %d bucketed differently across repeated calls", projectID)
		}
	}
}

func TestConfigPolicySendToRandomPartitions(t *testing.T) {
	p := NewConfigPolicy()
	p.RandomPartitionMessageTypes["transaction"] = true

	if p.SendToRandomPartitions(1, "error") {
		t.Fatal("error messages should not be randomized unless configured")
	}
	if !p.SendToRandomPartitions(1, "transaction") {
		t.Fatal("transaction messages should be randomized per config")
	}
}
