// # Outspeed Go SDK
//
// This repository provides a Go package for building real-time, streaming audio and video AI applications. It provides cloneable typed streams, stream operators, and plugins for speech-to-text, language models, text-to-speech and voice activity detection, plus a server exposing WebRTC and WebSocket endpoints. Applications are deployed to the hosted platform with the outspeed CLI.
package outspeed
