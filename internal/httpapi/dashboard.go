package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Receiptflow</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px 16px;
    }
    h1 { margin: 0; font-size: 1.5rem; }
    h2 { margin: 0 0 8px; font-size: 1rem; }
    .sub { color: var(--muted); font-size: 0.9rem; margin-top: 4px; }
    .row { display: flex; gap: 8px; flex-wrap: wrap; align-items: center; }
    .grid { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(240px, 1fr)); }
    input { flex: 1; min-width: 220px; padding: 8px; border-radius: 8px; border: 1px solid var(--line); }
    button {
      padding: 8px 12px;
      border-radius: 8px;
      border: 1px solid var(--accent);
      background: var(--accent);
      color: #fff;
      cursor: pointer;
    }
    button.alt { background: transparent; color: var(--accent); }
    .paused { color: var(--danger); font-weight: 600; }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 4px 6px; border-bottom: 1px solid var(--line); }
    dl { display: grid; grid-template-columns: auto 1fr; gap: 4px 12px; margin: 0; }
    dt { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Receiptflow</h1>
      <div class="sub" id="conn">disconnected</div>
      <div class="row" style="margin-top: 10px">
        <input id="token" placeholder="bearer token (status:read, worker:control)" />
        <button id="connect">Connect</button>
        <button class="alt" id="pause">Pause</button>
        <button class="alt" id="resume">Resume</button>
        <button class="alt" id="scan">Scan now</button>
      </div>
    </div>
    <div class="grid">
      <div class="card"><h2>Worker</h2><dl id="worker"></dl></div>
      <div class="card"><h2>Webhook queue</h2><dl id="webhooks"></dl></div>
      <div class="card"><h2>Processing log</h2><dl id="logs"></dl></div>
      <div class="card"><h2>Last scan</h2><dl id="scan-result"></dl></div>
    </div>
    <div class="card">
      <h2>Retries <span class="sub" id="retry-depth"></span></h2>
      <table>
        <thead><tr><th>Document</th><th>Attempts</th><th>Next retry</th><th>Last error</th></tr></thead>
        <tbody id="retries"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      var socket = null;
      var tokenInput = document.getElementById("token");
      tokenInput.value = window.localStorage.getItem("receiptflow.token") || "";

      function fill(id, pairs) {
        var el = document.getElementById(id);
        el.innerHTML = "";
        pairs.forEach(function (pair) {
          var dt = document.createElement("dt");
          dt.textContent = pair[0];
          var dd = document.createElement("dd");
          dd.textContent = pair[1] === undefined || pair[1] === null ? "-" : String(pair[1]);
          el.appendChild(dt);
          el.appendChild(dd);
        });
      }

      function render(snap) {
        var worker = snap.worker || {};
        fill("worker", [
          ["state", worker.isPaused ? "paused" : "running"],
          ["reason", worker.pauseReason],
          ["last scan", worker.lastScanAt],
          ["scan requested", worker.scanRequested],
          ["lock", worker.lock && worker.lock.heldBy]
        ]);
        document.getElementById("worker").firstChild.nextSibling.className = worker.isPaused ? "paused" : "";
        var hooks = snap.webhooks || {};
        fill("webhooks", [
          ["pending", hooks.pending],
          ["processing", hooks.processing],
          ["completed", hooks.completed],
          ["failed", hooks.failed]
        ]);
        var logs = snap.logs || {};
        fill("logs", Object.keys(logs).map(function (k) { return [k, logs[k]]; }));
        var result = worker.lastScanResult || {};
        fill("scan-result", [
          ["found", result.documentsFound],
          ["queued", result.documentsQueued],
          ["skipped", result.documentsSkipped],
          ["completed", result.documentsCompleted],
          ["failed", result.documentsFailed],
          ["error", result.error]
        ]);
        document.getElementById("retry-depth").textContent = "(" + (snap.retryDepth || 0) + ")";
        var body = document.getElementById("retries");
        body.innerHTML = "";
        (snap.retries || []).forEach(function (entry) {
          var tr = document.createElement("tr");
          [entry.documentId, entry.attempts, entry.nextRetryAt, entry.lastError].forEach(function (v) {
            var td = document.createElement("td");
            td.textContent = v;
            tr.appendChild(td);
          });
          body.appendChild(tr);
        });
      }

      function connect() {
        var token = tokenInput.value.trim();
        window.localStorage.setItem("receiptflow.token", token);
        if (socket) { socket.close(); }
        var scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/stream?access_token=" + encodeURIComponent(token));
        socket.onopen = function () { document.getElementById("conn").textContent = "live"; };
        socket.onclose = function () { document.getElementById("conn").textContent = "disconnected"; };
        socket.onmessage = function (msg) { render(JSON.parse(msg.data)); };
      }

      function control(action, body) {
        fetch("/v1/worker/" + action, {
          method: "POST",
          headers: { "Authorization": "Bearer " + tokenInput.value.trim(), "Content-Type": "application/json" },
          body: body ? JSON.stringify(body) : ""
        });
      }

      document.getElementById("connect").onclick = connect;
      document.getElementById("pause").onclick = function () {
        control("pause", { reason: window.prompt("Pause reason", "") || "" });
      };
      document.getElementById("resume").onclick = function () { control("resume"); };
      document.getElementById("scan").onclick = function () { control("scan"); };
      if (tokenInput.value) { connect(); }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
