package server

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>backdrop</title>
<style>
body { font-family: sans-serif; margin: 2rem; background: #111; color: #eee; }
img, video { width: 640px; max-width: 100%; background: #000; display: block; margin-bottom: 1rem; }
button { font-size: 1rem; margin-right: .5rem; padding: .4rem 1rem; }
#status { margin-top: 1rem; font-family: monospace; }
#camera { width: 320px; }
</style>
</head>
<body>
<h1>backdrop</h1>
<img id="preview" src="/preview.mjpg" alt="canvas">
<img id="camera" alt="camera">
<button id="toggle">Toggle effect</button>
<button id="record">Start recording</button>
<video id="playback" controls></video>
<div id="status"></div>
<script>
const status = document.getElementById("status");
const record = document.getElementById("record");
let recording = false;

async function refresh() {
  const res = await fetch("/api/state");
  const s = await res.json();
  recording = s.recording === "active";
  record.textContent = recording ? "Stop recording" : "Start recording";
  status.textContent = "mode=" + s.mode + " frames=" + s.stats.frames + " failures=" + s.stats.failures;
}

document.getElementById("toggle").onclick = async () => {
  await fetch("/api/effect/toggle", { method: "POST" });
  refresh();
};

record.onclick = async () => {
  if (!recording) {
    await fetch("/api/recording/start", { method: "POST" });
  } else {
    const res = await fetch("/api/recording/stop", { method: "POST" });
    if (res.ok) {
      const rec = await res.json();
      document.getElementById("playback").src = rec.url;
    }
  }
  refresh();
};

const camera = document.getElementById("camera");
function refreshCamera() {
  camera.src = "/camera.jpg?t=" + Date.now();
}

refresh();
refreshCamera();
setInterval(refresh, 2000);
setInterval(refreshCamera, 1000);
</script>
</body>
</html>
`
