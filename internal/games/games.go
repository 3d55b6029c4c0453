// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package games descobre os arquivos de jogo disponíveis no dataset e
// seleciona um jogo para cada sessão nova.
package games

import "errors"

// TaskTypes mapeia o id numérico de cada tipo de tarefa para o rótulo usado
// nos paths do dataset. Duplicado do ambiente que roda dentro do container
// para que o host não precise dele instalado.
var TaskTypes = map[int]string{
	1: "pick_and_place_simple",
	2: "look_at_obj_in_light",
	3: "pick_clean_then_place_in_recep",
	4: "pick_heat_then_place_in_recep",
	5: "pick_cool_then_place_in_recep",
	6: "pick_two_obj_and_place",
}

// TaskTypeName retorna o rótulo de um tipo de tarefa, ou "" se desconhecido.
func TaskTypeName(id int) string {
	return TaskTypes[id]
}

// Erros do pacote.
var (
	ErrNoGames = errors.New("games: no game files available")
)

// Nomes de arquivo que identificam um diretório de jogo completo.
const (
	trajFileName = "traj_data.json"
	gameFileName = "game.tw-pddl"
)
