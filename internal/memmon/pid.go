package memmon

import "os"

func processPID() int {
	return os.Getpid()
}
