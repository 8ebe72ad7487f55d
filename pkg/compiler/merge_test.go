package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/assignment"
)

func resourceInput(assignmentID string, priority int, resourceIDs []string) resolvedAssignment {
	resources := make([]map[string]any, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		resources = append(resources, map[string]any{"type": "winget.package", "id": id, "name": id})
	}
	return resolvedAssignment{
		source:    Source{AssignmentID: assignmentID, PolicyID: "pol-" + assignmentID, Priority: priority, Mode: assignment.ModeEnforce},
		resources: resources,
	}
}

func TestMerge_FirstAssignmentWinsConflict(t *testing.T) {
	inputs := []resolvedAssignment{
		resourceInput("a1", 10, []string{"pkg-a"}),
		resourceInput("a2", 20, []string{"pkg-a"}),
	}

	result, err := merge(inputs)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "a1", result.Conflicts[0].Winner.AssignmentID)
	require.Equal(t, "a2", result.Conflicts[0].Loser.AssignmentID)
	require.Equal(t, "first-wins-by-priority", result.Conflicts[0].Reason)
}

func TestMerge_EmptyInputHashesLikeEmptyDocument(t *testing.T) {
	empty, err := merge(nil)
	require.NoError(t, err)

	withResource, err := merge([]resolvedAssignment{resourceInput("a1", 10, []string{"pkg-a"})})
	require.NoError(t, err)

	require.NotEqual(t, empty.Hash, withResource.Hash)
	require.Empty(t, empty.Conflicts)
}

func TestMerge_PreservesFirstInsertionOrder(t *testing.T) {
	inputs := []resolvedAssignment{resourceInput("a1", 10, []string{"pkg-c", "pkg-a", "pkg-b"})}

	result, err := merge(inputs)
	require.NoError(t, err)
	resources := result.Document["resources"].([]map[string]any)
	require.Equal(t, "pkg-c", resources[0]["id"])
	require.Equal(t, "pkg-a", resources[1]["id"])
	require.Equal(t, "pkg-b", resources[2]["id"])
}
