// Package artifact extracts file artifacts from assistant messages.
//
// An artifact is a fenced code block whose info string names a file:
//
//	```tsx file=src/App.tsx
//	export default function App() {}
//	```
//
// Messages are parsed with goldmark. While a response is still streaming the
// last block may be open; it is reported with Closed false and reported again
// once its closing fence arrives.
package artifact
