package convert

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type workspace struct {
	jobID  string
	dir    string
	inDir  string
	outDir string
}

// createWorkspace は新しいジョブID付きの作業ディレクトリ一式を作成します。
func (s *Service) createWorkspace() (workspace, error) {
	ws := s.workspaceFor(uuid.NewString())
	for _, dir := range []string{ws.inDir, ws.outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return ws, nil
}

// workspaceFor は既存ジョブIDに対応する作業ディレクトリのパスを組み立てます。
func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.cfg.BaseDir, jobID)
	return workspace{
		jobID:  jobID,
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
