// Copyright 2025 James Ross
package adminapi

const openAPISpec = `openapi: 3.0.3
info:
  title: SiteSearch Pipeline Admin API
  description: Admin API for operating the crawl/clean/persist/index pipeline
  version: 1.0.0
  contact:
    name: API Support
  license:
    name: MIT

servers:
  - url: http://localhost:8080/api/v1
    description: Local development server

security:
  - bearerAuth: []

tags:
  - name: stats
    description: Pipeline statistics
  - name: queues
    description: Queue peek and purge operations
  - name: failed
    description: Failed-task inspection and purging
  - name: stages
    description: Stage worker-pool scaling and restart
  - name: benchmark
    description: Synthetic load testing
  - name: status
    description: Supervisor status and effective config
  - name: exactly-once
    description: Idempotency and outbox inspection

paths:
  /stats:
    get:
      tags: [stats]
      summary: Get pipeline statistics
      description: Returns per-stage queue metrics (pending, processing, completed, failed)
      operationId: getStats
      responses:
        '200':
          description: Statistics retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatsResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /stats/keys:
    get:
      tags: [stats]
      summary: Get Redis key statistics
      description: Returns pending/processing/completed/failed counts keyed by queue name
      operationId: getStatsKeys
      responses:
        '200':
          description: Key statistics retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatsKeysResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /queues/{queue}/peek:
    get:
      tags: [queues]
      summary: Peek at queue items
      description: View envelopes in a pipeline stage queue without removing them
      operationId: peekQueue
      parameters:
        - name: queue
          in: path
          required: true
          description: Stage alias (url, crawl, clean, index)
          schema:
            type: string
        - name: count
          in: query
          description: Number of items to peek (1-100)
          schema:
            type: integer
            minimum: 1
            maximum: 100
            default: 10
      responses:
        '200':
          description: Queue items retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PeekResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/{queue}/peek/field:
    get:
      tags: [queues]
      summary: Query a single field out of a peeked envelope
      description: >-
        Decodes the envelope at the given index and evaluates a JSONPath
        expression against it, for inspecting fields (including
        open-ended Metadata entries) without a fixed response schema per field.
      operationId: peekField
      parameters:
        - name: queue
          in: path
          required: true
          schema:
            type: string
        - name: path
          in: query
          required: true
          description: JSONPath expression, e.g. $.metadata.content_type
          schema:
            type: string
        - name: index
          in: query
          required: false
          schema:
            type: integer
            minimum: 0
            default: 0
      responses:
        '200':
          description: Field value
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PeekFieldResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '404':
          description: No item at that index
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '422':
          description: Item is not valid JSON
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/{queue}/failed:
    get:
      tags: [failed]
      summary: List failed tasks for a stage
      operationId: getFailed
      parameters:
        - name: queue
          in: path
          required: true
          schema:
            type: string
      responses:
        '200':
          description: Failed tasks retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/FailedListResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
    delete:
      tags: [failed]
      summary: Purge the failed set for a stage
      description: Delete all failed-task records for a stage (requires confirmation)
      operationId: purgeFailed
      parameters:
        - name: queue
          in: path
          required: true
          schema:
            type: string
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: Failed set purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /queues/all:
    delete:
      tags: [queues]
      summary: Purge all stage queues
      description: Delete all items from every stage queue (requires double confirmation)
      operationId: purgeAll
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: All queues purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /bench:
    post:
      tags: [benchmark]
      summary: Run a synthetic throughput/latency benchmark
      description: Enqueues synthetic envelopes into a stage queue and measures throughput and latency
      operationId: runBenchmark
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/BenchRequest'
      responses:
        '200':
          description: Benchmark completed successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/BenchResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /status:
    get:
      tags: [status]
      summary: Get supervisor status
      description: Live snapshot of goroutine count, heap usage, and per-stage worker-pool status
      operationId: getStatus
      responses:
        '200':
          description: Status retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatusResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /config:
    get:
      tags: [status]
      summary: Get the effective pipeline configuration
      description: Renders the running config as YAML; Store.DSN is redacted
      operationId: getConfig
      responses:
        '200':
          description: Configuration dump
          content:
            application/x-yaml:
              schema:
                type: string
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /stages/scale:
    post:
      tags: [stages]
      summary: Scale a stage's worker pool
      operationId: scaleStage
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/ScaleRequest'
      responses:
        '200':
          description: Stage scaled successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/SuccessResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'

  /stages/{stage}/restart:
    post:
      tags: [stages]
      summary: Restart a stage's worker pool
      operationId: restartStage
      parameters:
        - name: stage
          in: path
          required: true
          schema:
            type: string
      responses:
        '200':
          description: Stage restarted successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/SuccessResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'

  /exactly-once/dedup/stats:
    get:
      tags: [exactly-once]
      summary: Get idempotency reservation statistics
      description: 404s when no idempotency manager is configured for this process
      operationId: getDedupStats
      responses:
        '200':
          description: Dedup statistics
        '404':
          description: Idempotency manager not configured
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'

  /exactly-once/outbox/status:
    get:
      tags: [exactly-once]
      summary: Get transactional outbox status
      description: 404s when no outbox manager is configured for this process
      operationId: getOutboxStatus
      responses:
        '200':
          description: Outbox status
        '404':
          description: Outbox manager not configured
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'

  /exactly-once/outbox/process:
    post:
      tags: [exactly-once]
      summary: Trigger an immediate outbox drain
      description: Processes pending outbox events outside the processor's own interval
      operationId: processOutboxNow
      responses:
        '200':
          description: Drain triggered
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/SuccessResponse'
        '404':
          description: Outbox manager not configured
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'

  /exactly-once/health:
    get:
      tags: [exactly-once]
      summary: Report whether idempotency/outbox are enabled
      operationId: exactlyOnceHealth
      responses:
        '200':
          description: Feature flags
          content:
            application/json:
              schema:
                type: object
                properties:
                  idempotency_enabled:
                    type: boolean
                  outbox_enabled:
                    type: boolean

components:
  securitySchemes:
    bearerAuth:
      type: http
      scheme: bearer
      bearerFormat: JWT
      description: JWT token, validated against the configured HMAC secret

  responses:
    BadRequest:
      description: Bad request
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    Unauthorized:
      description: Authentication required
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    RateLimited:
      description: Rate limit exceeded
      headers:
        X-RateLimit-Limit:
          schema:
            type: integer
          description: Rate limit per minute
        X-RateLimit-Remaining:
          schema:
            type: integer
          description: Remaining requests
        X-RateLimit-Reset:
          schema:
            type: integer
          description: Unix timestamp when limit resets
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    InternalError:
      description: Internal server error
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

  schemas:
    ErrorResponse:
      type: object
      required: [error]
      properties:
        error:
          type: string
        code:
          type: string
        details:
          type: object
          additionalProperties:
            type: string

    SuccessResponse:
      type: object
      required: [success]
      properties:
        success:
          type: boolean
        message:
          type: string

    QueueMetrics:
      type: object
      properties:
        queue_name:
          type: string
        pending:
          type: integer
        processing:
          type: integer
        completed:
          type: integer
        failed:
          type: integer
        avg_processing_time:
          type: string
        last_activity_time:
          type: string
          format: date-time

    StatsResponse:
      type: object
      required: [queues, timestamp]
      properties:
        queues:
          type: object
          additionalProperties:
            $ref: '#/components/schemas/QueueMetrics'
          description: Keyed by stage alias (url, crawl, clean, index)
        timestamp:
          type: string
          format: date-time

    StatsKeysResponse:
      type: object
      required: [queue_lengths, timestamp]
      properties:
        queue_lengths:
          type: object
          additionalProperties:
            $ref: '#/components/schemas/QueueMetrics'
        timestamp:
          type: string
          format: date-time

    PeekResponse:
      type: object
      required: [queue, items, count, timestamp]
      properties:
        queue:
          type: string
          description: Name of the queue the items were read from
        items:
          type: array
          items:
            type: string
          description: Envelope payloads as JSON strings
        count:
          type: integer
        timestamp:
          type: string
          format: date-time

    PeekFieldResponse:
      type: object
      required: [queue, path, index, value]
      properties:
        queue:
          type: string
        path:
          type: string
        index:
          type: integer
        value: {}

    PurgeRequest:
      type: object
      required: [confirmation, reason]
      properties:
        confirmation:
          type: string
          description: Must equal the configured confirmation phrase (suffixed _ALL for /queues/all)
        reason:
          type: string
          minLength: 3
          maxLength: 500

    PurgeResponse:
      type: object
      required: [success, message, timestamp]
      properties:
        success:
          type: boolean
        items_deleted:
          type: integer
        message:
          type: string
        timestamp:
          type: string
          format: date-time

    FailedItem:
      type: object
      required: [task_id]
      properties:
        task_id:
          type: string
        queue:
          type: string
        url:
          type: string
        reason:
          type: string
        retries:
          type: integer
        failed_at:
          type: string
          format: date-time

    FailedListResponse:
      type: object
      required: [items, count, timestamp]
      properties:
        items:
          type: array
          items:
            $ref: '#/components/schemas/FailedItem'
        count:
          type: integer
        timestamp:
          type: string
          format: date-time

    ScaleRequest:
      type: object
      required: [stage, replicas]
      properties:
        stage:
          type: string
          description: Stage name (fetch, clean, persist, index)
        replicas:
          type: integer
          minimum: 1
          maximum: 256

    BenchRequest:
      type: object
      required: [count, queue]
      properties:
        count:
          type: integer
          minimum: 1
          maximum: 10000
          description: Number of synthetic envelopes to enqueue
        queue:
          type: string
          description: Stage alias to target
        rate:
          type: integer
          minimum: 1
          maximum: 1000
          default: 100
        timeout_seconds:
          type: integer
          minimum: 1
          maximum: 300
          default: 30

    BenchResponse:
      type: object
      required: [count, duration, throughput_tasks_per_sec, timestamp]
      properties:
        count:
          type: integer
        duration:
          type: string
        throughput_tasks_per_sec:
          type: number
          format: float
        p50_latency:
          type: string
        p95_latency:
          type: string
        timestamp:
          type: string
          format: date-time

    StatusResponse:
      type: object
      required: [num_goroutines, heap_alloc_mb, timestamp]
      properties:
        num_goroutines:
          type: integer
        heap_alloc_mb:
          type: number
          format: float
        stages:
          type: object
          description: Per-stage worker-pool status, shape owned by internal/supervisor
        timestamp:
          type: string
          format: date-time
`
