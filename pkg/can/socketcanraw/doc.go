// Package socketcanraw is a socketcan driver talking to the raw CAN socket
// directly. It is only available on linux.
package socketcanraw
