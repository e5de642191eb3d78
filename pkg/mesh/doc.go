// Package mesh implements the single-hop radio mesh used by sentinel nodes
// to share smoke detections. It defines the fixed binary frame exchanged on
// the air, a concurrent table of peer liveness and detection state, and the
// Mesh transport that runs the receive and heartbeat loops against an
// abstract Link.
//
// Typical usage:
//
//	m, _ := mesh.New(mesh.Config{NodeID: 1}, link, mesh.WithLogger(log))
//	_ = m.Start(ctx)
//	defer m.Stop()
//	_ = m.BroadcastDetection(true)
//	active, detecting := m.Counts()
//
// The Link is non-blocking by contract, so any radio driver (LoRa over SPI,
// a UDP socket, or the in-process bus in package radio) can stand behind it.
package mesh
