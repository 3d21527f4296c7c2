package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return string(data)
}

func operations(t *testing.T, payload map[string]any) []map[string]any {
	t.Helper()

	raw, ok := payload["operations"].([]any)
	require.True(t, ok, "operations missing from %v", payload)

	ops := make([]map[string]any, len(raw))
	for i, op := range raw {
		ops[i], ok = op.(map[string]any)
		require.True(t, ok)
	}

	return ops
}

// traffic collects the statuses published on the topics containing marker, an empty
// status standing for a clear, until nothing arrives for a while.
func traffic(t *testing.T, sub commandstore.Subscription, marker string) map[string][]string {
	t.Helper()

	seen := map[string][]string{}

	for {
		select {
		case msg, ok := <-sub.Messages():
			require.True(t, ok)

			if !strings.Contains(msg.Topic, marker) {
				continue
			}

			status := ""
			if !msg.Cleared() {
				var payload map[string]any
				require.NoError(t, json.Unmarshal(msg.Payload, &payload))
				status, _ = payload["status"].(string)
			}

			seen[msg.Topic] = append(seen[msg.Topic], status)
		case <-time.After(300 * time.Millisecond):
			return seen
		}
	}
}

func count(statuses []string, status string) int {
	n := 0

	for _, s := range statuses {
		if s == status {
			n++
		}
	}

	return n
}

func TestComposite_RunsSubOperationsInOrder(t *testing.T) {
	h := newHarness(t)
	h.script("software_update", `echo '{"installed":"2.0"}'`)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp1"
	sub := h.watch(topic)
	subs := h.watch(mainDevice + "/cmd/+/+")

	h.publish(topic, `{"status":"init","operations":[
		{"operation":"quick","payload":{"n":1}},
		{"operation":"quick","skip":true},
		{"operation":"software_update","@skip":false,"payload":{"modules":["curl"]}}
	]}`)

	assert.Equal(t, []string{"init", "scheduled", "executing", "successful"}, h.statuses(sub, "successful"))

	final := h.retained(topic)
	ops := operations(t, final)
	require.Len(t, ops, 3)

	first, ok := ops[0]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "successful", first["status"])
	assert.InDelta(t, 1, first["n"], 0)
	assert.NotContains(t, first, "@parent")

	assert.NotContains(t, ops[1], "result")
	assert.Equal(t, true, ops[1]["@skip"])

	third, ok := ops[2]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2.0", third["installed"])

	assert.InDelta(t, 3, final["currentIndex"], 0)

	require.Eventually(t, func() bool {
		return h.retained(mainDevice+"/cmd/quick/dp1-0") == nil &&
			h.retained(mainDevice+"/cmd/software_update/dp1-2") == nil
	}, waitFor, tick, "sub-commands not cleared")

	assert.Nil(t, h.retained(mainDevice+"/cmd/quick/dp1-1"))

	seen := traffic(t, subs, "/dp1-")

	var dispatched []string

	for topic, statuses := range seen {
		if count(statuses, "init") > 0 {
			dispatched = append(dispatched, topic)
		}
	}

	assert.ElementsMatch(t, []string{
		mainDevice + "/cmd/quick/dp1-0",
		mainDevice + "/cmd/software_update/dp1-2",
	}, dispatched, "one dispatch per non-skipped entry: %v", seen)
	assert.NotContains(t, seen, mainDevice+"/cmd/quick/dp1-1")
	assert.Equal(t, 1, count(seen[mainDevice+"/cmd/quick/dp1-0"], ""), "sub-command cleared more than once")
	assert.Equal(t, 1, count(seen[mainDevice+"/cmd/software_update/dp1-2"], ""), "sub-command cleared more than once")
}

func TestComposite_SubCommandAddressing(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp2"
	subTopic := mainDevice + "/cmd/manual/dp2-0"

	h.publish(topic, `{"status":"init","operations":[{"operation":"manual","payload":{"ticket":"T-1"}}]}`)

	child := h.eventuallyStatus(subTopic, "waiting")
	assert.Equal(t, topic, child["@parent"])
	assert.InDelta(t, 1, child["@depth"], 0)
	assert.Equal(t, "T-1", child["ticket"])

	parent := h.eventuallyStatus(topic, "executing")
	assert.InDelta(t, 0, parent["currentIndex"], 0)

	child["status"] = "approved"
	h.publish(subTopic, mustJSON(t, child))

	h.eventuallyStatus(topic, "successful")
}

func TestComposite_FailedSubOperationFailsParent(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp3"
	h.publish(topic, `{"status":"init","operations":[{"operation":"breaks"},{"operation":"quick"}]}`)

	final := h.eventuallyStatus(topic, "failed")
	assert.Equal(t, "breaks failed: boom", final["reason"])

	ops := operations(t, final)
	result, ok := ops[0]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", result["status"])
	assert.NotContains(t, ops[1], "result")

	assert.Never(t, func() bool {
		return h.retained(mainDevice+"/cmd/quick/dp3-1") != nil
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestComposite_BestEffortContinues(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp4"
	h.publish(topic, `{"status":"init","operations":[{"operation":"breaks","bestEffort":true},{"operation":"quick"}]}`)

	final := h.eventuallyStatus(topic, "successful")

	ops := operations(t, final)
	assert.Equal(t, "failed", ops[0]["result"].(map[string]any)["status"])
	assert.Equal(t, true, ops[0]["@bestEffort"])
	assert.Equal(t, "successful", ops[1]["result"].(map[string]any)["status"])
}

func TestComposite_UnknownSubOperation(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp5"
	h.publish(topic, `{"status":"init","operations":[{"operation":"teleport"}]}`)

	final := h.eventuallyStatus(topic, "failed")
	assert.True(t, strings.HasPrefix(final["reason"].(string), "teleport failed: unknown operation type"), final["reason"])
}

func TestComposite_NestingTooDeep(t *testing.T) {
	h := newHarness(t)
	h.start()

	nested := `{"operations":[{"operation":"quick"}]}`
	for range 4 {
		nested = `{"operations":[{"operation":"device_profile","payload":` + nested + `}]}`
	}

	topic := mainDevice + "/cmd/device_profile/dp6"
	h.publish(topic, `{"status":"init",`+strings.TrimPrefix(nested, "{"))

	final := h.eventuallyStatus(topic, "failed")
	assert.Contains(t, final["reason"], "composite nesting too deep")
}

func TestComposite_NestedWithinLimit(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp7"
	h.publish(topic, `{"status":"init","operations":[
		{"operation":"device_profile","payload":{"operations":[{"operation":"quick"}]}},
		{"operation":"quick"}
	]}`)

	final := h.eventuallyStatus(topic, "successful")
	inner := operations(t, final)[0]["result"].(map[string]any)
	assert.Equal(t, "successful", inner["status"])
}

func TestComposite_MissingOperationsIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp8"
	h.publish(topic, `{"status":"init"}`)

	final := h.eventuallyStatus(topic, "failed")
	assert.Contains(t, final["reason"], "malformed payload")
}

func TestComposite_ResumesFromPayload(t *testing.T) {
	h := newHarness(t)

	def, err := h.registry.Resolve("device_profile", "")
	require.NoError(t, err)

	topic := mainDevice + "/cmd/device_profile/dp9"
	subTopic := mainDevice + "/cmd/quick/dp9-1"

	h.publish(topic, `{"status":"executing","@version":"`+def.Version+`","currentIndex":1,"operations":[
		{"operation":"quick","result":{"status":"successful"}},
		{"operation":"quick"},
		{"operation":"quick"}
	]}`)
	h.publish(subTopic, `{"status":"successful","@parent":"`+topic+`","@depth":1}`)

	h.start()

	final := h.eventuallyStatus(topic, "successful")
	ops := operations(t, final)
	assert.Equal(t, "successful", ops[1]["result"].(map[string]any)["status"])
	assert.Equal(t, "successful", ops[2]["result"].(map[string]any)["status"])

	require.Eventually(t, func() bool {
		return h.retained(subTopic) == nil
	}, waitFor, tick)
}

func TestComposite_ResumesRunningSubCommand(t *testing.T) {
	h := newHarness(t)

	def, err := h.registry.Resolve("device_profile", "")
	require.NoError(t, err)

	manual, err := h.registry.Resolve("manual", "")
	require.NoError(t, err)

	topic := mainDevice + "/cmd/device_profile/dp10"
	subTopic := mainDevice + "/cmd/manual/dp10-0"

	h.publish(topic, `{"status":"executing","@version":"`+def.Version+`","currentIndex":0,"operations":[{"operation":"manual"}]}`)
	h.publish(subTopic, `{"status":"waiting","@version":"`+manual.Version+`","@parent":"`+topic+`","@depth":1}`)

	h.start()

	assert.Never(t, func() bool {
		return h.retained(subTopic)["status"] != "waiting"
	}, 200*time.Millisecond, 20*time.Millisecond, "running sub-command was restarted")

	child := h.retained(subTopic)
	child["status"] = "approved"
	h.publish(subTopic, mustJSON(t, child))

	h.eventuallyStatus(topic, "successful")
}

func TestComposite_NegativeCurrentIndexIsRejected(t *testing.T) {
	h := newHarness(t)

	def, err := h.registry.Resolve("device_profile", "")
	require.NoError(t, err)

	resumed := mainDevice + "/cmd/device_profile/dp11"
	h.publish(resumed, `{"status":"executing","@version":"`+def.Version+`","currentIndex":-1,"operations":[{"operation":"quick"}]}`)

	h.start()

	final := h.eventuallyStatus(resumed, "failed")
	assert.Equal(t, "malformed payload: currentIndex -1", final["reason"])

	fresh := mainDevice + "/cmd/device_profile/dp12"
	h.publish(fresh, `{"status":"init","currentIndex":-1,"operations":[{"operation":"quick"}]}`)

	final = h.eventuallyStatus(fresh, "failed")
	assert.Contains(t, final["reason"], "currentIndex")

	huge := mainDevice + "/cmd/device_profile/dp13"
	h.publish(huge, `{"status":"executing","@version":"`+def.Version+`","currentIndex":1e30,"operations":[{"operation":"quick"}]}`)

	final = h.eventuallyStatus(huge, "failed")
	assert.Contains(t, final["reason"], "malformed payload: currentIndex")

	shallow := mainDevice + "/cmd/device_profile/dp15"
	h.publish(shallow, `{"status":"executing","@version":"`+def.Version+`","@depth":-1e30,"operations":[{"operation":"quick"}]}`)

	final = h.eventuallyStatus(shallow, "failed")
	assert.Contains(t, final["reason"], "malformed payload: @depth")

	assert.True(t, h.scheduler.Ready())
}

func TestComposite_ClearingParentCancelsSubOperation(t *testing.T) {
	h := newHarness(t)
	h.start()

	topic := mainDevice + "/cmd/device_profile/dp14"
	subTopic := mainDevice + "/cmd/manual/dp14-0"

	h.publish(topic, `{"status":"init","operations":[{"operation":"manual"},{"operation":"quick"}]}`)
	h.eventuallyStatus(subTopic, "waiting")

	require.NoError(t, h.store.Clear(context.Background(), topic))

	require.Eventually(t, func() bool {
		return h.retained(subTopic) == nil
	}, waitFor, tick, "sub-command outlived its parent")

	assert.Never(t, func() bool {
		return h.retained(topic) != nil || h.retained(mainDevice+"/cmd/quick/dp14-1") != nil
	}, 200*time.Millisecond, 20*time.Millisecond)
}
