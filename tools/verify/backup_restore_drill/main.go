package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/evomem/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "evomem-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "evomem.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < 40; i++ {
		exp := &persistence.Experiment{
			ID:         uuid.NewString(),
			SandboxID:  fmt.Sprintf("sandbox-%d", i),
			UserID:     "drill-user",
			Proposal:   fmt.Sprintf("backup drill experiment %d", i),
			Kind:       persistence.KindRefactoring,
			RiskLevel:  persistence.RiskLow,
			Confidence: 0.5,
		}
		if err := store.CreateExperiment(ctx, exp); err != nil {
			fmt.Printf("create_experiment_error=%v\n", err)
			os.Exit(1)
		}
		mem := &persistence.ExperimentMemory{
			ID:           uuid.NewString(),
			ExperimentID: exp.ID,
			Kind:         persistence.MemoryLessonLearned,
			Content:      fmt.Sprintf("drill learning %d", i),
			Relevance:    0.5,
		}
		if err := store.CreateMemory(ctx, mem); err != nil {
			fmt.Printf("create_memory_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var expCount, memCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM experiments;`).Scan(&expCount); err != nil {
		fmt.Printf("count_experiments_error=%v\n", err)
		os.Exit(1)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM experiment_memories;`).Scan(&memCount); err != nil {
		fmt.Printf("count_memories_error=%v\n", err)
		os.Exit(1)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_experiments=%d\n", expCount)
	fmt.Printf("restored_memories=%d\n", memCount)

	if expCount < 40 || memCount < 40 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
