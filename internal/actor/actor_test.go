package actor

import "testing"

func tree() []Actor {
	return []Actor{
		{
			Name: "United States", Description: "superpower", Type: "country", Depth: 0,
			Children: []Actor{
				{Name: "Federal Reserve", Description: "central bank", Type: "institution", Depth: 1, ParentName: "United States"},
				{Name: "Department of Defense", Description: "military", Type: "government", Depth: 1, ParentName: "United States"},
			},
		},
		{Name: "European Union", Description: "economic bloc", Type: "alliance", Depth: 0},
	}
}

func TestCountAndWalk(t *testing.T) {
	roots := tree()
	if got := CountAll(roots); got != 4 {
		t.Fatalf("CountAll = %d, want 4", got)
	}

	var visited []string
	roots[0].Walk(func(a *Actor) error {
		visited = append(visited, a.Name)
		return nil
	})
	want := []string{"United States", "Federal Reserve", "Department of Defense"}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visit order %v, want %v", visited, want)
		}
	}
}

func TestLeavesAt(t *testing.T) {
	roots := tree()

	// Depth 0 leaves: only the EU (the US already has children).
	leaves := LeavesAt(roots, 0)
	if len(leaves) != 1 || leaves[0].Name != "European Union" {
		t.Fatalf("LeavesAt(0) = %v", leaves)
	}

	leaves = LeavesAt(roots, 1)
	if len(leaves) != 2 {
		t.Fatalf("LeavesAt(1) returned %d leaves, want 2", len(leaves))
	}

	// Mutation through the returned pointers must land in the tree.
	leaves[0].ErrorFlag = true
	if !roots[0].Children[0].ErrorFlag {
		t.Fatal("mutation via leaf pointer did not reach the tree")
	}
}

func TestValidateDepthInvariant(t *testing.T) {
	roots := tree()
	for i := range roots {
		if err := roots[i].Validate(3); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}

	bad := tree()
	bad[0].Children[1].Depth = 5
	if err := bad[0].Validate(3); err == nil {
		t.Fatal("Validate accepted a child with depth != parent+1")
	}

	deep := Actor{Name: "x", Depth: 4}
	if err := deep.Validate(3); err == nil {
		t.Fatal("Validate accepted a node beyond max depth")
	}
}

func TestNormalizeValueType(t *testing.T) {
	cases := map[string]ValueType{
		"float":    ValueFloat,
		"Number":   ValueFloat,
		"integer":  ValueInt,
		"boolean":  ValueBool,
		"bool":     ValueBool,
		"string":   ValueString,
		"document": ValueString,
		"":         ValueString,
	}
	for in, want := range cases {
		if got := NormalizeValueType(in); got != want {
			t.Errorf("NormalizeValueType(%q) = %q, want %q", in, got, want)
		}
	}
}
