// Package radio provides mesh.Link implementations that stand in for the
// LoRa modem: an in-process broadcast Bus for tests and simulation, and a
// UDP link for running several nodes on one host or LAN.
package radio
