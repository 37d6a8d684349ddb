package propagate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosv/internal/service"
)

func build(needs, wants, conflicts, groups map[int][]int, n int) *service.Table {
	configs := make([]*service.Config, n)
	for i := 0; i < n; i++ {
		configs[i] = &service.Config{
			Name:       indexName(i),
			Index:      i,
			InitTarget: service.TargetDown,
			Needs:      needs[i],
			Wants:      wants[i],
			Conflicts:  conflicts[i],
			Groups:     groups[i],
		}
	}
	return service.NewTable(configs)
}

func indexName(i int) string {
	return string(rune('a' + i))
}

func TestSetTargetPropagatesUpToDependencies(t *testing.T) {
	// b needs a
	needs := map[int][]int{1: {0}}
	table := build(needs, nil, nil, nil, 2)

	SetTarget(table, 1, service.TargetUp)

	require.Equal(t, service.TargetUp, table.Records[1].Target)
	require.Equal(t, service.TargetUp, table.Records[0].Target)
}

func TestSetTargetDownPropagatesToDependents(t *testing.T) {
	// b needs a; setting a down should bring b down too.
	needs := map[int][]int{1: {0}}
	table := build(needs, nil, nil, nil, 2)
	table.Records[0].Target = service.TargetUp
	table.Records[1].Target = service.TargetUp

	SetTarget(table, 0, service.TargetDown)

	require.Equal(t, service.TargetDown, table.Records[0].Target)
	require.Equal(t, service.TargetDown, table.Records[1].Target)
}

func TestSetTargetUpPropagatesDownToConflicts(t *testing.T) {
	// y conflicts x
	conflicts := map[int][]int{1: {0}}
	table := build(nil, nil, conflicts, nil, 2)
	table.Records[0].Target = service.TargetUp

	SetTarget(table, 1, service.TargetUp)

	require.Equal(t, service.TargetUp, table.Records[1].Target)
	require.Equal(t, service.TargetDown, table.Records[0].Target)
}

func TestSetTargetGroupsInheritVerbatim(t *testing.T) {
	groups := map[int][]int{0: {1}}
	table := build(nil, nil, nil, groups, 2)

	SetTarget(table, 0, service.TargetOnce)

	require.Equal(t, service.TargetOnce, table.Records[0].Target)
	require.Equal(t, service.TargetOnce, table.Records[1].Target)
}

func TestSetTargetResetsFailedBeforeApplyingOperatorTarget(t *testing.T) {
	table := build(nil, nil, nil, nil, 1)
	table.Records[0].State = service.Failed
	table.Records[0].AttemptCount = 5

	SetTarget(table, 0, service.TargetUp)

	require.Equal(t, service.Down, table.Records[0].State)
	require.Equal(t, uint32(0), table.Records[0].AttemptCount)
	require.Equal(t, service.TargetUp, table.Records[0].Target)
}
