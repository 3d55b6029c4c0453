package protocol

import (
	"fmt"
	"io"
)

// EncodeCommand serializa o comando como uma linha JSON terminada em '\n'.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding worker command: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteCommand escreve o comando no stdin do worker em um único Write.
// O daemon não aplica framing na direção de escrita; a linha vai crua.
func WriteCommand(w io.Writer, cmd Command) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing worker command: %w", err)
	}
	return nil
}
