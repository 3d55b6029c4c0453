// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"strings"
)

// DecodeFrames decodifica um buffer lido do attach stream do daemon.
//
// Retorna o texto concatenado dos payloads completos de stdout e stderr
// (UTF-8, bytes inválidos substituídos) e o sufixo que ainda não forma um
// frame completo, a ser prefixado na próxima leitura.
//
// Tolerância: se o primeiro byte de um frame não é um stream kind válido,
// ou se o tamanho declarado excede MaxFramePayload, o restante do buffer é
// tratado como texto cru — cobre daemons que anexam com TTY e não aplicam
// framing. Um frame válido porém cortado pela janela de leitura fica no
// carry; emitir o payload parcial vazaria bytes de header no texto quando
// o frame continua na próxima leitura.
func DecodeFrames(buf []byte) (text string, carry []byte) {
	var out strings.Builder
	pos := 0

	for pos < len(buf) {
		kind := buf[pos]
		if kind != StreamStdin && kind != StreamStdout && kind != StreamStderr {
			// Daemon sem framing: tudo daqui em diante é texto.
			out.WriteString(toUTF8(buf[pos:]))
			return out.String(), nil
		}

		if pos+FrameHeaderSize > len(buf) {
			// Header incompleto, aguarda o resto.
			return out.String(), clone(buf[pos:])
		}

		size := binary.BigEndian.Uint32(buf[pos+FrameSizeIndex : pos+FrameHeaderSize])
		if size > MaxFramePayload {
			// Tamanho absurdo: quase certamente texto cru que começou com um
			// byte que coincide com um stream kind.
			out.WriteString(toUTF8(buf[pos:]))
			return out.String(), nil
		}

		end := pos + FrameHeaderSize + int(size)
		if end > len(buf) {
			// Payload parcial, aguarda o resto.
			return out.String(), clone(buf[pos:])
		}

		if kind == StreamStdout || kind == StreamStderr {
			out.WriteString(toUTF8(buf[pos+FrameHeaderSize : end]))
		}
		pos = end
	}

	return out.String(), nil
}

// toUTF8 decodifica bytes como UTF-8 substituindo sequências inválidas.
func toUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// CutLine separa a primeira linha lógica do texto acumulado. Retorna a linha
// sem o '\n', o restante do buffer e se uma linha completa foi encontrada.
func CutLine(text string) (line, rest string, ok bool) {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return "", text, false
	}
	return text[:idx], text[idx+1:], true
}

// ExtractJSONLine recupera o objeto JSON de uma linha do worker. Tenta a
// linha inteira; se não parseia, procura o primeiro '{' e tenta dali,
// descartando o que veio antes (prints de debug do worker). Se nada parseia,
// devolve a linha original aparada — o caller decide como falhar.
func ExtractJSONLine(line string) string {
	line = strings.TrimSpace(line)
	if json.Valid([]byte(line)) {
		return line
	}
	if start := strings.IndexByte(line, '{'); start >= 0 {
		candidate := line[start:]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return line
}
