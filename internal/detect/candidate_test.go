package detect

import (
	"errors"
	"testing"

	"github.com/SOF3/bthint/pkg/contract"
)

func mustBuild(t *testing.T, d contract.Dialect, lines []string, w contract.Window) []contract.Candidate {
	t.Helper()
	cands, err := BuildCandidates(d, lines, w)
	if err != nil {
		t.Fatalf("BuildCandidates(%v): %v", w, err)
	}
	return cands
}

// TestBuildCandidates 覆盖开标签前置与类外壳。
func TestBuildCandidates(t *testing.T) {
	lines := []string{"x", "a;", "b;", "c;", "d;", "e;"}
	cands := mustBuild(t, contract.PHP, lines, contract.Window{Start: 1, End: 6})
	if len(cands) != 2 {
		t.Fatalf("应恰有两个候选: %d", len(cands))
	}
	want := map[contract.Variant]string{
		contract.Plain:          "<?php\na;\nb;\nc;\nd;\ne;\n",
		contract.WrappedInClass: "<?php\nclass Foo {\na;\nb;\nc;\nd;\ne;\n}\n",
	}
	for _, c := range cands {
		if c.Source != want[c.Variant] {
			t.Fatalf("变体 %s 源码错误: %q", c.Variant, c.Source)
		}
		if c.Window != (contract.Window{Start: 1, End: 6}) {
			t.Fatalf("窗口未保留: %v", c.Window)
		}
	}
}

// TestBuildCandidatesExistingOpenTag 首行已是开标签时不再前置。
func TestBuildCandidatesExistingOpenTag(t *testing.T) {
	lines := []string{"<?php", "a;", "b;", "c;", "d;"}
	cands := mustBuild(t, contract.PHP, lines, contract.Window{Start: 0, End: 5})
	if cands[0].Source != "<?php\na;\nb;\nc;\nd;\n" {
		t.Fatalf("不应重复开标签: %q", cands[0].Source)
	}
	// 缩进的开标签不算
	lines[0] = "  <?php"
	cands = mustBuild(t, contract.PHP, lines, contract.Window{Start: 0, End: 5})
	if cands[0].Source[:6] != "<?php\n" {
		t.Fatalf("应前置开标签: %q", cands[0].Source)
	}
}

// TestBuildCandidatesNoOpenTag 无开标签的方言。
func TestBuildCandidatesNoOpenTag(t *testing.T) {
	d := contract.Dialect{Language: "x", ClassOpen: "class A", ClassClose: "end"}
	lines := []string{"a", "b", "c", "d", "e"}
	cands := mustBuild(t, d, lines, contract.Window{Start: 0, End: 5})
	if cands[0].Source != "a\nb\nc\nd\ne\n" || cands[1].Source != "class A\na\nb\nc\nd\ne\nend\n" {
		t.Fatalf("源码错误: %q / %q", cands[0].Source, cands[1].Source)
	}
}

// TestBuildCandidatesRejectsBadWindow 越界或过短的窗口不生成候选。
func TestBuildCandidatesRejectsBadWindow(t *testing.T) {
	lines := []string{"a;", "b;", "c;", "d;", "e;", "f;"}
	for _, w := range []contract.Window{{Start: 2, End: 7}, {Start: 1, End: 5}, {Start: -1, End: 5}} {
		cands, err := BuildCandidates(contract.PHP, lines, w)
		if !errors.Is(err, contract.ErrInvalidInput) || cands != nil {
			t.Fatalf("窗口 %v 应被拒绝: %v", w, err)
		}
	}
}
