package realm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddToggleDeleteTask(t *testing.T) {
	doc := NewDoc("alice")

	id, err := doc.AddTask("buy milk")
	require.NoError(t, err)
	require.Equal(t, 1, doc.TaskCount())

	require.NoError(t, doc.ToggleTask(id))
	tasks := doc.ListTasks()
	require.Len(t, tasks, 1)
	require.True(t, tasks[0].Done)

	require.NoError(t, doc.DeleteTask(id))
	require.Equal(t, 0, doc.TaskCount())
}

func TestToggleUnknownTaskFails(t *testing.T) {
	doc := NewDoc("alice")
	err := doc.ToggleTask("does-not-exist")
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	doc := NewDoc("alice")
	_, err := doc.AddTask("task one")
	require.NoError(t, err)

	data, err := doc.Save()
	require.NoError(t, err)

	restored := NewDoc("")
	require.NoError(t, restored.Load(data))
	require.Equal(t, doc.TaskCount(), restored.TaskCount())
	require.Equal(t, doc.ListTasks()[0].Title, restored.ListTasks()[0].Title)
}

func TestForkMergeConvergesUnderConcurrentEdits(t *testing.T) {
	base := NewDoc("alice")
	id, err := base.AddTask("shared task")
	require.NoError(t, err)

	aliceFork := base.Fork()
	bobFork := base.Fork().(*TaskDoc)
	bobFork.state.Actor = "bob"

	// Concurrently: alice toggles the task, bob adds a task of his own.
	require.NoError(t, aliceFork.(*TaskDoc).ToggleTask(id))
	bobTaskID, err := bobFork.AddTask("bob's task")
	require.NoError(t, err)

	require.NoError(t, base.Merge(aliceFork))
	require.NoError(t, base.Merge(bobFork))

	replay := NewDoc("replay")
	require.NoError(t, replay.Merge(bobFork))
	require.NoError(t, replay.Merge(aliceFork))

	require.Equal(t, base.TaskCount(), replay.TaskCount())

	baseHeads, err := base.Heads()
	require.NoError(t, err)
	replayHeads, err := replay.Heads()
	require.NoError(t, err)
	require.Equal(t, baseHeads, replayHeads)

	found := false
	for _, task := range base.ListTasks() {
		if task.ID == bobTaskID {
			found = true
		}
	}
	require.True(t, found)
}

func TestMergeIsIdempotent(t *testing.T) {
	base := NewDoc("alice")
	_, err := base.AddTask("x")
	require.NoError(t, err)

	fork := base.Fork()
	require.NoError(t, base.Merge(fork))
	first, err := base.Heads()
	require.NoError(t, err)

	require.NoError(t, base.Merge(fork))
	second, err := base.Heads()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGenerateAndApplySyncMessageRoundTrip(t *testing.T) {
	src := NewDoc("alice")
	_, err := src.AddTask("sync me")
	require.NoError(t, err)

	msg, err := src.GenerateSyncMessage()
	require.NoError(t, err)

	dst := NewDoc("bob")
	require.NoError(t, dst.ApplySyncMessage(msg))
	require.Equal(t, 1, dst.TaskCount())
}
