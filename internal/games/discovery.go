// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package games

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DiscoveryConfig é o subconjunto do YAML de jogos que a descoberta lê.
type DiscoveryConfig struct {
	Env struct {
		TaskTypes []int `yaml:"task_types"`
	} `yaml:"env"`
	Dataset struct {
		DataPath        string `yaml:"data_path"`
		EvalIDDataPath  string `yaml:"eval_id_data_path"`
		EvalOODDataPath string `yaml:"eval_ood_data_path"`
	} `yaml:"dataset"`
}

// trajInfo é o subconjunto de traj_data.json relevante para o filtro.
type trajInfo struct {
	TaskType string `json:"task_type"`
}

// gameInfo é o subconjunto de game.tw-pddl relevante para o filtro.
type gameInfo struct {
	Solvable bool `json:"solvable"`
}

// Discover caminha pelos diretórios do dataset e coleta os jogos jogáveis.
//
// Um diretório entra no pool quando contém traj_data.json e game.tw-pddl,
// o path não contém "movable" nem "Sliced", o task type do trajeto está
// entre os selecionados na configuração e o jogo está marcado como solvable.
// Retorna os paths (lado host) de game.tw-pddl, ordenados.
func Discover(ctx context.Context, configPath string, logger *slog.Logger) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading games config: %w", err)
	}

	var cfg DiscoveryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing games config: %w", err)
	}

	selected := make(map[string]bool, len(cfg.Env.TaskTypes))
	for _, id := range cfg.Env.TaskTypes {
		if name, ok := TaskTypes[id]; ok {
			selected[name] = true
		}
	}

	var roots []string
	for _, p := range []string{cfg.Dataset.DataPath, cfg.Dataset.EvalIDDataPath, cfg.Dataset.EvalOODDataPath} {
		if p != "" {
			roots = append(roots, os.ExpandEnv(p))
		}
	}

	var found []string
	for _, root := range roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			logger.Warn("data path does not exist", "path", root)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				// Pula entradas inacessíveis
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if d.IsDir() || d.Name() != trajFileName {
				return nil
			}

			dir := filepath.Dir(path)
			gamePath := filepath.Join(dir, gameFileName)
			if _, err := os.Stat(gamePath); err != nil {
				return nil
			}

			if strings.Contains(dir, "movable") || strings.Contains(dir, "Sliced") {
				return nil
			}

			if !trajTaskSelected(path, selected) {
				return nil
			}
			if !gameSolvable(gamePath) {
				return nil
			}

			found = append(found, gamePath)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking data path %s: %w", root, err)
		}
	}

	sort.Strings(found)
	return found, nil
}

// trajTaskSelected lê o task type do trajeto e verifica o filtro.
// Qualquer erro de leitura ou parse exclui o jogo, sem abortar a descoberta.
func trajTaskSelected(trajPath string, selected map[string]bool) bool {
	data, err := os.ReadFile(trajPath)
	if err != nil {
		return false
	}
	var traj trajInfo
	if err := json.Unmarshal(data, &traj); err != nil {
		return false
	}
	return selected[traj.TaskType]
}

// gameSolvable lê o metadado do jogo e verifica a flag solvable.
func gameSolvable(gamePath string) bool {
	data, err := os.ReadFile(gamePath)
	if err != nil {
		return false
	}
	var game gameInfo
	if err := json.Unmarshal(data, &game); err != nil {
		return false
	}
	return game.Solvable
}
