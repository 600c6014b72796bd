// Command example demonstrates the agit library surface: opening a
// file-backed repository, committing agent state, branching, merging,
// and inspecting the audit trail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/EfeDurmaz16/agit"
	"github.com/EfeDurmaz16/agit/pkg/diff"
	"github.com/EfeDurmaz16/agit/pkg/model"
)

func main() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "agit-example-*")
	if err != nil {
		log.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	repo, err := agit.New(agit.Config{
		Backend:  agit.BackendFile,
		Path:     filepath.Join(dir, "repo"),
		TenantID: "example-tenant",
	})
	if err != nil {
		log.Fatalf("new repository: %v", err)
	}
	if err := repo.Start(ctx); err != nil {
		log.Fatalf("start repository: %v", err)
	}
	defer repo.Close(ctx)

	state := model.AgentState{
		Memory:     rawJSON(`{"last_tool": "search", "results": 3}`),
		WorldState: rawJSON(`{"location": "kitchen", "holding": "mug"}`),
		Timestamp:  time.Now().UTC(),
		Cost:       0.0021,
	}
	rootHash, err := repo.Commit(ctx, state, "initial state", model.ActionSystemEvent, "agent-0")
	if err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Printf("committed root: %s\n", rootHash)

	if err := repo.Branch(ctx, "exploration", ""); err != nil {
		log.Fatalf("branch: %v", err)
	}
	if _, err := repo.Checkout(ctx, "exploration"); err != nil {
		log.Fatalf("checkout: %v", err)
	}

	state.WorldState = rawJSON(`{"location": "pantry", "holding": "mug"}`)
	state.Timestamp = time.Now().UTC()
	branchHash, err := repo.Commit(ctx, state, "moved to pantry", model.ActionToolCall, "agent-0")
	if err != nil {
		log.Fatalf("commit on branch: %v", err)
	}
	fmt.Printf("committed on exploration: %s\n", branchHash)

	stateDiff, err := repo.Diff(ctx, rootHash, branchHash)
	if err != nil {
		log.Fatalf("diff: %v", err)
	}
	fmt.Printf("diff has %d entries\n", len(stateDiff.Entries))

	if _, err := repo.Checkout(ctx, "main"); err != nil {
		log.Fatalf("checkout main: %v", err)
	}
	mergeHash, err := repo.Merge(ctx, "exploration", diff.StrategyThreeWay, "agent-0")
	if err != nil {
		log.Fatalf("merge: %v", err)
	}
	fmt.Printf("merged into main: %s\n", mergeHash)

	commits, err := repo.Log(ctx, "", 10)
	if err != nil {
		log.Fatalf("log: %v", err)
	}
	fmt.Printf("main has %d reachable commits\n", len(commits))

	if err := repo.VerifyChain(ctx); err != nil {
		log.Fatalf("audit chain verification failed: %v", err)
	}
	fmt.Println("audit chain verified")
}

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }
